// Package validation configures the request validator shared by handlers and
// services.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Limits on user supplied values.
const (
	UsernameMin       = 3
	UsernameMax       = 20
	PasswordMin       = 6
	MessageContentMax = 2000
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// New returns a validator with the "username" tag registered.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
	return v
}

// ValidUsername reports whether u has the allowed length and alphabet.
func ValidUsername(u string) bool {
	return len(u) >= UsernameMin && len(u) <= UsernameMax && usernamePattern.MatchString(u)
}

// Describe turns validator errors into a field -> message map suitable for a
// response body. Other errors are returned under the "request" key.
func Describe(err error) map[string]string {
	out := map[string]string{}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		out["request"] = err.Error()
		return out
	}
	for _, e := range verrs {
		field := strings.ToLower(e.Field()[:1]) + e.Field()[1:]
		switch e.Tag() {
		case "required":
			out[field] = fmt.Sprintf("%s is required", field)
		case "username":
			out[field] = fmt.Sprintf("%s must be %d-%d characters of letters, digits or underscore", field, UsernameMin, UsernameMax)
		case "email":
			out[field] = "invalid email address"
		case "min":
			out[field] = fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		case "max":
			out[field] = fmt.Sprintf("%s can have at most %s characters", field, e.Param())
		default:
			out[field] = fmt.Sprintf("field '%s' failed on the '%s' tag", field, e.Tag())
		}
	}
	return out
}
