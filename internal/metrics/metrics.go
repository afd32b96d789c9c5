// Package metrics counts HTTP, login, two-factor and rate-limit outcomes with
// OpenTelemetry instruments and exposes the totals as a snapshot.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/truststaff/apiserver"

const (
	NameHTTPRequests        = "http.server.requests"
	NameLoginOutcomes       = "auth.login.outcomes"
	NameTwoFactorOutcomes   = "auth.twofa.outcomes"
	NameRateLimitRejections = "ratelimit.rejections"
)

// Metrics owns a meter provider read on demand through a manual reader.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	httpRequests        metric.Int64Counter
	loginOutcomes       metric.Int64Counter
	twoFactorOutcomes   metric.Int64Counter
	rateLimitRejections metric.Int64Counter
}

func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, reader: reader}

	var err error
	if m.httpRequests, err = meter.Int64Counter(NameHTTPRequests,
		metric.WithDescription("Completed HTTP requests by method and status.")); err != nil {
		return nil, fmt.Errorf("create counter %s: %w", NameHTTPRequests, err)
	}
	if m.loginOutcomes, err = meter.Int64Counter(NameLoginOutcomes,
		metric.WithDescription("Login attempts by outcome.")); err != nil {
		return nil, fmt.Errorf("create counter %s: %w", NameLoginOutcomes, err)
	}
	if m.twoFactorOutcomes, err = meter.Int64Counter(NameTwoFactorOutcomes,
		metric.WithDescription("Two-factor verifications and resends by outcome.")); err != nil {
		return nil, fmt.Errorf("create counter %s: %w", NameTwoFactorOutcomes, err)
	}
	if m.rateLimitRejections, err = meter.Int64Counter(NameRateLimitRejections,
		metric.WithDescription("Requests rejected by the rate limiter.")); err != nil {
		return nil, fmt.Errorf("create counter %s: %w", NameRateLimitRejections, err)
	}
	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method string, status int) {
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(status)),
	))
}

func (m *Metrics) RecordLogin(ctx context.Context, outcome string) {
	m.loginOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordTwoFactor(ctx context.Context, outcome string) {
	m.twoFactorOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordRateLimitRejection(ctx context.Context) {
	m.rateLimitRejections.Add(ctx, 1)
}

// Point is one counter series.
type Point struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// Snapshot maps counter names to their series, sorted by attributes.
type Snapshot map[string][]Point

// Total sums every series of the named counter.
func (s Snapshot) Total(name string) int64 {
	var total int64
	for _, p := range s[name] {
		total += p.Value
	}
	return total
}

// Value returns the series of the named counter whose attribute key equals value.
func (s Snapshot) Value(name, key, value string) int64 {
	var total int64
	for _, p := range s[name] {
		if p.Attributes[key] == value {
			total += p.Value
		}
	}
	return total
}

// Snapshot collects the current cumulative counter values.
func (m *Metrics) Snapshot(ctx context.Context) (Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(Snapshot)
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make([]Point, 0, len(sum.DataPoints))
			for _, dp := range sum.DataPoints {
				points = append(points, Point{
					Attributes: attributesToMap(dp.Attributes),
					Value:      dp.Value,
				})
			}
			sort.Slice(points, func(i, j int) bool {
				return attributesKey(points[i].Attributes) < attributesKey(points[j].Attributes)
			})
			out[md.Name] = points
		}
	}
	return out, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func attributesToMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func attributesKey(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(attrs[key])
		b.WriteByte(';')
	}
	return b.String()
}
