package attach

import (
	"net/http"

	"github.com/kfsoftware/kernelbridge/pkg/probe"
	"github.com/pkg/errors"
)

type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindTunnel
	KindHandshakeTimeout
	KindRegistration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTunnel:
		return "tunnel"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindRegistration:
		return "registration"
	}
	return "unknown"
}

// Error is a failed attach request. Kind decides the status code the
// caller sees.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Cause() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// StatusCode maps an error returned by the service to an HTTP status.
// Unreachable targets are reported as not found.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindTunnel, KindHandshakeTimeout:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Reason is a short machine readable cause: the probe failure class for
// tunnel errors, the error kind otherwise.
func Reason(err error) string {
	var pe *probe.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	return "internal"
}
