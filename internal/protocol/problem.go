package protocol

import (
	"errors"
	"fmt"
)

// Problem codes surfaced on close frames.
const (
	AccessDenied         = "access-denied"
	NoHost               = "no-host"
	NotFound             = "not-found"
	InternalError        = "internal-error"
	ProtocolError        = "protocol-error"
	NotSupported         = "not-supported"
	AuthenticationFailed = "authentication-failed"
	Terminated           = "terminated"
)

// Problem is a recoverable per-channel failure carrying the machine
// readable code that ends up in the close frame, plus an optional human
// readable message.
type Problem struct {
	Code    string
	Message string
}

func (p *Problem) Error() string {
	if p.Message == "" {
		return p.Code
	}
	return p.Code + ": " + p.Message
}

// Errf builds a Problem with a formatted message.
func Errf(code, format string, args ...any) *Problem {
	return &Problem{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the problem code from an error, defaulting to
// internal-error for anything that is not a Problem.
func CodeOf(err error) string {
	var p *Problem
	if errors.As(err, &p) {
		return p.Code
	}
	return InternalError
}

// MessageOf extracts the human readable part of an error.
func MessageOf(err error) string {
	var p *Problem
	if errors.As(err, &p) {
		return p.Message
	}
	return err.Error()
}
