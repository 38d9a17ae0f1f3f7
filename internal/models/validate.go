package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("invalid message")

var validate = mustValidator()

func newValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		return nil, fmt.Errorf("register notblank: %w", err)
	}
	return v, nil
}

func mustValidator() *validator.Validate {
	v, err := newValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidationError names the first field that made a message malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: reason(fe.Tag())}
		}
		return &ValidationError{Field: "Message", Reason: err.Error()}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "is required"}
	}
	return nil
}

func reason(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "notblank":
		return "must not be blank"
	default:
		return "failed " + strings.ToLower(tag)
	}
}
