package clock

import "time"

// Clock is the time source for every expiry and window comparison.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns the wall clock in UTC.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
