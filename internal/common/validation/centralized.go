package validation

import (
	"fmt"
	"reflect"
	"strings"

	"tokenbridge/internal/common/errors"

	"github.com/go-playground/validator/v10"
)

// CentralizedValidator provides unified validation using go-playground/validator
type CentralizedValidator struct {
	validator *validator.Validate
}

// FieldError represents a single validation failure with context
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// NewCentralizedValidator creates a new validator instance with the
// tokenbridge-specific tags registered.
func NewCentralizedValidator() *CentralizedValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	registerValidators(v)

	// Report json names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &CentralizedValidator{validator: v}
}

// ValidateStruct validates a struct using struct tags
func (cv *CentralizedValidator) ValidateStruct(s interface{}) error {
	if err := cv.validator.Struct(s); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

// ValidateVar validates a single variable with validation rules
func (cv *CentralizedValidator) ValidateVar(field interface{}, tag string) error {
	if err := cv.validator.Var(field, tag); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

// FieldErrors validates s and returns each failure separately.
func (cv *CentralizedValidator) FieldErrors(s interface{}) []FieldError {
	err := cv.validator.Struct(s)
	if err == nil {
		return nil
	}
	return cv.extractFieldErrors(err)
}

func (cv *CentralizedValidator) formatValidationErrors(err error) error {
	fieldErrors := cv.extractFieldErrors(err)
	if len(fieldErrors) == 1 {
		return errors.ValidationError(fieldErrors[0].Message)
	}

	messages := make([]string, len(fieldErrors))
	for i, e := range fieldErrors {
		messages[i] = e.Message
	}

	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func (cv *CentralizedValidator) extractFieldErrors(err error) []FieldError {
	var out []FieldError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range validationErrs {
			out = append(out, FieldError{
				Field:   fe.Field(),
				Tag:     fe.Tag(),
				Value:   fmt.Sprintf("%v", fe.Value()),
				Message: formatFieldError(fe),
				Param:   fe.Param(),
			})
		}
		return out
	}

	return append(out, FieldError{
		Field:   "unknown",
		Tag:     "error",
		Message: err.Error(),
	})
}

func formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", err.Field())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", err.Field())
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", err.Field(), err.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", err.Field(), err.Param())
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", err.Field(), err.Param())
	case "len":
		return fmt.Sprintf("field '%s' must have length %s", err.Field(), err.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", err.Field(), err.Param())
	case "gtefield":
		return fmt.Sprintf("field '%s' must not be before %s", err.Field(), err.Param())
	case "ltefield":
		return fmt.Sprintf("field '%s' must not exceed %s", err.Field(), err.Param())
	case "cache_descriptor":
		return fmt.Sprintf("field '%s' must be 'inmemory', a redis:// URL or a dynamodb:// URL", err.Field())
	case "fraction":
		return fmt.Sprintf("field '%s' must be between 0 and 1", err.Field())
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", err.Field(), err.Tag())
	}
}

func registerValidators(v *validator.Validate) {
	v.RegisterValidation("cache_descriptor", func(fl validator.FieldLevel) bool {
		d := strings.TrimSpace(fl.Field().String())
		if d == "inmemory" {
			return true
		}
		for _, scheme := range []string{"redis://", "rediss://", "dynamodb://"} {
			if strings.HasPrefix(d, scheme) && len(d) > len(scheme) {
				return true
			}
		}
		return false
	})

	v.RegisterValidation("fraction", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f >= 0 && f <= 1
	})
}

var globalValidator = NewCentralizedValidator()

// ValidateStruct validates a struct using the shared validator instance
func ValidateStruct(s interface{}) error {
	return globalValidator.ValidateStruct(s)
}

// ValidateVar validates a variable using the shared validator instance
func ValidateVar(field interface{}, tag string) error {
	return globalValidator.ValidateVar(field, tag)
}
