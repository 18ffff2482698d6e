package model

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator with taskkeeper's custom tags registered:
// "taskid" for task identifiers, "queue" for queue names, and "singleline"
// for values written as task file headers.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("taskid", func(fl validator.FieldLevel) bool {
		return ValidateTaskID(fl.Field().String())
	})
	_ = v.RegisterValidation("queue", func(fl validator.FieldLevel) bool {
		return Queue(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
	})
	return v
}
