// Package apperr defines the closed error taxonomy shared by every
// component. Handlers map kinds to HTTP status codes in one place;
// collaborator error detail is wrapped, never shown to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindValidation
	KindDecryption
	KindExtraction
	KindEmbedding
	KindIndex
	KindLLM
)

// Error carries a caller-safe message and an optional wrapped cause.
// The cause is for logs and documents.error_message only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Authentication(msg string) *Error { return New(KindAuthentication, msg) }
func Authorization(msg string) *Error  { return New(KindAuthorization, msg) }
func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Validation(msg string) *Error     { return New(KindValidation, msg) }
func Decryption(msg string) *Error     { return New(KindDecryption, msg) }

func Extraction(err error) *Error { return Wrap(KindExtraction, "text extraction failed", err) }
func Embedding(err error) *Error  { return Wrap(KindEmbedding, "embedding failed", err) }
func Index(err error) *Error      { return Wrap(KindIndex, "vector index operation failed", err) }
func LLM(err error) *Error        { return Wrap(KindLLM, "answer synthesis failed", err) }

// Is reports whether err is an *Error of the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to its response status. Unknown errors are
// internal server errors; their text must not be echoed to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindExtraction, KindEmbedding, KindIndex, KindLLM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns text safe to put in a response body.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
