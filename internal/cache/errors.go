package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable wraps any failure talking to the durable store,
	// including per-operation timeouts. The coordinator treats it as a miss.
	ErrBackendUnavailable = errors.New("cache backend unavailable")

	// ErrLengthMismatch is returned when two fingerprints of different
	// lengths are compared. It indicates a configuration bug.
	ErrLengthMismatch = errors.New("fingerprint length mismatch")
)

// DecodeError reports image bytes that could not be decoded for fingerprinting.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}
