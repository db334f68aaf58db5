package registry

import (
	"errors"
	"fmt"
)

// Kind classifies a registry failure. The HTTP layer maps each kind to a
// status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnauthenticated
	KindForbidden
	KindConflict
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindForbidden:
		return "Forbidden"
	case KindConflict:
		return "Conflict"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	}
	return "Unknown"
}

const (
	ReasonMissingFields     = "deviceId and deviceToken are required"
	ReasonMissingHeaders    = "device credentials are required"
	ReasonAlreadyRegistered = "device already registered"
	ReasonNotRegistered     = "device not registered"
	ReasonInvalidToken      = "invalid device token"
	ReasonNotAttested       = "device not attested"
	ReasonStoreUnavailable  = "device store unavailable"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func storeError(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Reason: ReasonStoreUnavailable, Err: err}
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindUnknown
}

// ReasonOf returns the human readable reason carried by err.
func ReasonOf(err error) string {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsInvalidInput(err error) bool     { return KindOf(err) == KindInvalidInput }
func IsUnauthenticated(err error) bool  { return KindOf(err) == KindUnauthenticated }
func IsForbidden(err error) bool        { return KindOf(err) == KindForbidden }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }
func IsStoreUnavailable(err error) bool { return KindOf(err) == KindStoreUnavailable }
