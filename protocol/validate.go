package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/softair/roomsync"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a request against its struct tags. Failures wrap
// ErrInvalidCommand.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", roomsync.ErrInvalidCommand, err)
	}
	return nil
}
