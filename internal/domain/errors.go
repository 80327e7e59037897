package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external service error")
	ErrForbidden       = errors.New("forbidden operation")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ExternalService tags err as an embedding or upstream failure unless it already is one.
func ExternalService(err error) error {
	if err == nil || errors.Is(err, ErrExternalService) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExternalService, err)
}
