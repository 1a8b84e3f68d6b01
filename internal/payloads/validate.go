package payloads

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the required correlation fields of a payload.
func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
