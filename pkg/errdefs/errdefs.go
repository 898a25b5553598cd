package errdefs

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Reference errors. Concrete errors are marked with one (or more) of
// these and tested with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrServerStateConflict = errors.New("server state conflict")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrPartialDatumUnknown = errors.New("partial datum unknown")
	ErrVersionIncompatible = errors.New("version incompatible")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// CodeVersionMismatch is sent by a managed server that does not
// understand the requested call shape.
const CodeVersionMismatch = "CODE_VERSION_MISMATCH"

// NotFound creates an error classified as ErrNotFound
func NotFound(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Conflict creates an error classified as ErrConflict
func Conflict(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// ServiceUnavailable creates an error classified as ErrServiceUnavailable
func ServiceUnavailable(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrServiceUnavailable)
}

// ServerStateConflict creates an error for a peer in the wrong mode. It is
// also classified as ErrServiceUnavailable.
func ServerStateConflict(format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrServerStateConflict)
	return errors.Mark(err, ErrServiceUnavailable)
}

// VersionIncompatible creates an error classified as ErrVersionIncompatible
func VersionIncompatible(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrVersionIncompatible)
}

// InvalidArgument wraps a rejected request payload
func InvalidArgument(err error, what string) error {
	return errors.Mark(errors.Wrapf(err, "invalid %s", what), ErrInvalidArgument)
}

// Unreachable wraps a transport failure talking to a managed server
func Unreachable(err error, server string) error {
	return errors.Mark(errors.Wrapf(err, "managed server %s unreachable", server), ErrUpstreamUnreachable)
}

// Soft wraps a failure of a best-effort step
func Soft(err error, step string) error {
	return errors.Mark(errors.Wrapf(err, "%s", step), ErrPartialDatumUnknown)
}

// IsHard reports whether err must abort a synchronize
func IsHard(err error) bool {
	return err != nil && !errors.Is(err, ErrPartialDatumUnknown)
}

// Kind returns a short label for metrics and logs
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrServerStateConflict):
		return "server_state_conflict"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "upstream_unreachable"
	case errors.Is(err, ErrVersionIncompatible):
		return "version_incompatible"
	case errors.Is(err, ErrPartialDatumUnknown):
		return "partial"
	}
	return "internal"
}

// HTTPStatus maps an error to the status code used on the wire
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrServerStateConflict):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, ErrVersionIncompatible):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// Code returns the machine readable code sent alongside the status
func Code(err error) string {
	if errors.Is(err, ErrVersionIncompatible) {
		return CodeVersionMismatch
	}
	return Kind(err)
}

// FromHTTP reconstructs a classified error from a remote response
func FromHTTP(status int, code, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case code == CodeVersionMismatch:
		return VersionIncompatible("%s", message)
	case code == "server_state_conflict":
		return ServerStateConflict("%s", message)
	case status == http.StatusBadRequest:
		return InvalidArgument(errors.New(message), "request")
	case status == http.StatusNotFound:
		return NotFound("%s", message)
	case status == http.StatusConflict:
		return Conflict("%s", message)
	case status == http.StatusServiceUnavailable:
		return ServiceUnavailable("%s", message)
	case status == http.StatusNotImplemented:
		return VersionIncompatible("%s", message)
	}
	return errors.Newf("remote error (%d): %s", status, message)
}

// Response is the JSON body of a failed API call
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToResponse converts err into its wire form
func ToResponse(err error) (int, Response) {
	return HTTPStatus(err), Response{Code: Code(err), Message: err.Error()}
}
