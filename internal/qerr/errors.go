package qerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol error. The kind is part of the wire contract:
// it is returned to callers in the "type" field of error responses and
// drives the HTTP status code.
type Kind string

const (
	// KindMalformed marks requests whose shape is wrong (missing model,
	// missing method, undecodable body). The caller must fix the request.
	KindMalformed Kind = "malformed_request"

	// KindValidation marks semantically invalid requests: bad argument
	// counts, unknown dependency keys, circular batch graphs.
	KindValidation Kind = "validation_error"

	// KindSecurity marks entity, method or service rejections. These are
	// deterministic and must never be retried.
	KindSecurity Kind = "security_error"

	// KindNotFound marks entity or service names that resolve to nothing.
	KindNotFound Kind = "not_found"

	// KindExecution marks failures raised by the underlying query or
	// service call.
	KindExecution Kind = "execution_error"

	// KindNetwork marks transport-level failures observed by the client.
	KindNetwork Kind = "network_error"

	// KindTimeout marks requests that exceeded the configured deadline.
	KindTimeout Kind = "timeout"

	// KindReplay marks anti-replay and payload-integrity rejections:
	// expired timestamps, reused nonces, decryption failures.
	KindReplay Kind = "replay_error"

	// KindInternal marks unexpected server-side failures.
	KindInternal Kind = "internal_error"
)

// Error is the typed error carried through the query pipeline.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal
// for errors that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the protocol-facing message for an error chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus maps an error kind to the response status used by the server.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMalformed:
		return http.StatusUnprocessableEntity
	case KindValidation, KindExecution:
		return http.StatusBadRequest
	case KindSecurity, KindReplay:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
