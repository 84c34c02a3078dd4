package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/layer-3/warden/core"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindJSON decodes the request body into dst and validates it. Failures are
// returned as *core.ValidationError.
func bindJSON(c *gin.Context, v *validator.Validate, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return core.NewValidationError("invalid request body", nil)
	}
	if err := v.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return core.NewValidationError("invalid request", nil)
	}

	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "email":
			msg = "must be a valid email address"
		case "min":
			msg = fmt.Sprintf("must be at least %s characters long", fe.Param())
		case "max":
			msg = fmt.Sprintf("must be at most %s characters long", fe.Param())
		case "ip":
			msg = "must be a valid IP address"
		default:
			msg = "is invalid"
		}
		details[fe.Field()] = msg
	}
	return core.NewValidationError("invalid request", details)
}
