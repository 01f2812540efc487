package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks input that fails required/format rules.
	ErrValidation = errors.New("validation failed")
	// ErrAuth marks bad credentials, an email already in use, or a missing session.
	ErrAuth = errors.New("authentication failed")
	// ErrForbidden marks an authenticated caller lacking the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCode marks a wrong role verification code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrWrite marks a failed collection create, update or delete.
	ErrWrite = errors.New("write failed")
	// ErrNotFound marks a missing document.
	ErrNotFound = errors.New("not found")
	// ErrNotificationDispatch marks a failed best-effort push dispatch.
	ErrNotificationDispatch = errors.New("notification dispatch failed")
	// ErrStorage marks a failed local persistence call.
	ErrStorage = errors.New("local storage failed")
	// ErrNetworkUnavailable marks device-level connectivity loss.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// ValidationError carries one message per invalid field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is reports ErrValidation as a match so callers can use errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
