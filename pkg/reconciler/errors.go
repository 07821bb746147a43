package reconciler

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidRequestError means the request as declared cannot be reconciled.
// It is permanent until the user fixes the declaration.
type InvalidRequestError struct {
	Problems []string
}

func (e *InvalidRequestError) Error() string {
	return strings.Join(e.Problems, " ")
}

// Add records another problem
func (e *InvalidRequestError) Add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Err returns e if any problem was recorded, nil otherwise
func (e *InvalidRequestError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidRequestError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// IsInvalidRequest reports whether err is an *InvalidRequestError
func IsInvalidRequest(err error) bool {
	var ir *InvalidRequestError
	return errors.As(err, &ir)
}
