package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/truststaff/apiserver/internal/auth"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// NormalizeEmail lower-cases and trims an address before storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateStruct runs struct tag validation and reports the first failure as
// a *ValidationError.
func validateStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: "invalid input"}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Message: fieldMessage(fe)}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

func validatePassword(password string, minLength int) error {
	if utf8.RuneCountInString(password) < minLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minLength)}
	}
	if len(password) > auth.MaxPasswordBytes {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes)}
	}
	return nil
}
