package api

import (
	"errors"
	"fmt"
)

// Standard error names reported to callers.
const (
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameLimitsExceeded   = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
)

// ErrorNamer is implemented by errors that choose their own error name.
type ErrorNamer interface {
	ErrorName() string
}

// MethodError is an error carried back to the caller as an error reply.
type MethodError struct {
	Name    string
	Message string
}

func NewMethodError(name, format string, args ...any) *MethodError {
	return &MethodError{Name: name, Message: fmt.Sprintf(format, args...)}
}

func (e *MethodError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

func (e *MethodError) ErrorName() string { return e.Name }

// Is matches any *MethodError with the same name.
func (e *MethodError) Is(target error) bool {
	t, ok := target.(*MethodError)
	return ok && t.Name == e.Name
}

// ErrorNameOf returns the error name for err: its own name when it has one,
// ErrNameFailed otherwise.
func ErrorNameOf(err error) string {
	var n ErrorNamer
	if errors.As(err, &n) {
		if name := n.ErrorName(); name != "" {
			return name
		}
	}
	return ErrNameFailed
}
