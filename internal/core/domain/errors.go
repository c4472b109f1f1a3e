package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("deadline exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrIndexInconsistent  = errors.New("index inconsistent")
	ErrVerificationFailed = errors.New("verification failed")
	ErrNotFound           = errors.New("not found")
	ErrAmbiguous          = errors.New("ambiguous reference")
	ErrTemporary          = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
