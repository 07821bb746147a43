package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every Get that finds no entity
var ErrNotFound = errors.New("not found")

// ConnectionError reports that the store backend could not be reached.
// Callers treat it as transient and retry on the next cycle.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the entity does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConnection reports whether err is a transient backend failure
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func notFound(collection, name string) error {
	return fmt.Errorf("%s %q %w", singular(collection), name, ErrNotFound)
}

func singular(collection string) string {
	if n := len(collection); n > 1 && collection[n-1] == 's' {
		return collection[:n-1]
	}
	return collection
}
