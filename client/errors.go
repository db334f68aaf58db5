package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("device credentials missing")
	ErrForbidden       = errors.New("device forbidden")
	ErrConflict        = errors.New("device already registered")
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("service unavailable")
)

// ServerError is a non-2xx response. It matches the sentinel errors above
// with errors.Is according to its status code.
type ServerError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *ServerError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("server error (status %d): %s - %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

func (e *ServerError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrInvalidInput
	case http.StatusUnauthorized:
		return ErrUnauthenticated
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	return nil
}
