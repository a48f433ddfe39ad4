package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = newValidator()

	attemptTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
	seatIDPattern       = regexp.MustCompile(`^[A-Z]{1,2}[0-9]{1,3}$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("attempt_token", func(fl validator.FieldLevel) bool {
		return attemptTokenPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("seat_id", func(fl validator.FieldLevel) bool {
		return seatIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func ValidateStruct(data any) map[string]string {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}

	errs := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fe := range validationErrors {
			errs[fe.Field()] = getErrorMessage(fe)
		}
	}

	return errs
}

// converts validator errors to human-readable messages
func getErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Minimum length is %s", err.Param())
	case "max":
		return fmt.Sprintf("Maximum length is %s", err.Param())
	case "unique":
		return "Values must be unique"
	case "uuid":
		return "Must be a valid UUID"
	case "attempt_token":
		return "Only letters, digits and _.:- are allowed"
	case "seat_id":
		return "Must look like A1 or BB12"
	default:
		return fmt.Sprintf("Invalid %s field", err.Field())
	}
}

// formats validation errors map into single string
func FormatValidationErrors(errors map[string]string) string {
	var msgs []string
	for field, msg := range errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, msg))
	}
	return strings.Join(msgs, "; ")
}
