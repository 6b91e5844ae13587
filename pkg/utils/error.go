package utils

import "fmt"

var (
	ErrBadRequest     = fmt.Errorf("Bad request")
	ErrNotFound       = fmt.Errorf("Not found")
	ErrNoPeer         = fmt.Errorf("No peer available")
	ErrNotImplemented = fmt.Errorf("Not implemented")
	ErrStolen         = fmt.Errorf("Key is stolen")
	ErrClosed         = fmt.Errorf("Connection closed")
)

// An error carrying a detail string, such as a remote traceback.
type DetailedError interface {
	error
	Details() string
}

type detailedError struct {
	message string
	details string
}

func NewDetailedError(message, details string) error {
	return &detailedError{
		message: message,
		details: details,
	}
}

func (e *detailedError) Error() string {
	return e.message
}

func (e *detailedError) Details() string {
	return e.details
}
