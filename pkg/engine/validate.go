package engine

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// validateStruct checks struct tags and reports failures as permanent validation errors.
func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return NewPermanentError("validation failed", err).WithCode(ErrCodeValidation)
	}
	return nil
}
