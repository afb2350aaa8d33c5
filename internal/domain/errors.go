package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TransportError is a network failure or timeout talking to a remote service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is an error payload or non-success status reported by a service.
type RemoteError struct {
	Op         string
	StatusCode int
	Messages   []string
}

func (e *RemoteError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if msg == "" {
		msg = "no details"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote error (status %d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Op, msg)
}

// DecodeError is a response that could not be parsed into the expected shape.
type DecodeError struct {
	Op     string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed response: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError names an entity that does not exist remotely, or a label that
// cannot be resolved.
type NotFoundError struct {
	Entity string
	ID     string
	Detail string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %s not found", e.Entity, e.ID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ValidationError is bad operator input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ParseDealID trims raw and checks that it is a positive integer.
func ParseDealID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", &ValidationError{Field: "deal_id", Reason: "must not be empty"}
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return "", &ValidationError{Field: "deal_id", Reason: fmt.Sprintf("%q is not a numeric deal id", id)}
	}
	return strconv.FormatInt(n, 10), nil
}
