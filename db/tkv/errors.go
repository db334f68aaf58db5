package tkv

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrKeyExists is returned by SetNX when the key is already present, including
// when a concurrent writer claimed it first.
type ErrKeyExists struct {
	Key string
}

func (e *ErrKeyExists) Error() string {
	return fmt.Sprintf("key '%s' already exists", e.Key)
}

// ErrConflict is returned by Update when another transaction committed a
// write to the same key first.
type ErrConflict struct {
	Key string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("transaction conflict on key '%s'", e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func IsErrKeyNotFound(err error) bool {
	var target *ErrKeyNotFound
	return errors.As(err, &target)
}

func IsErrKeyExists(err error) bool {
	var target *ErrKeyExists
	return errors.As(err, &target)
}

func IsErrConflict(err error) bool {
	var target *ErrConflict
	return errors.As(err, &target)
}
