package errutil

import (
	"context"
	"errors"
	"net/http"
)

// HTTPCode converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPCode() int {
	switch s {
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusTimeout:
		return http.StatusRequestTimeout
	case StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusConflict:
		return http.StatusConflict
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway, StatusExternalService:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case StatusInternal, StatusUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf extracts the CoreStatus carried by err, walking the wrap chain.
// An explicit domain code wins over the context error it may wrap; bare
// context errors map to their usual codes and anything else is unknown.
func StatusOf(err error) CoreStatus {
	if err == nil {
		return StatusUnknown
	}

	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}

	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}

	return StatusUnknown
}

// HasStatus reports whether err carries the given code anywhere in its chain.
func HasStatus(err error, code CoreStatus) bool {
	return StatusOf(err) == code
}

// ToHTTPError normalises a domain error into an HTTP status code and body so
// handlers can safely return it to the transport layer.
func ToHTTPError(err error) (int, interface{}) {
	if err == nil {
		return http.StatusOK, nil
	}

	var base BaseError
	if errors.As(err, &base) {
		return base.Code.HTTPCode(), base.JSON()
	}

	code := StatusOf(err)
	return code.HTTPCode(), BaseError{Code: code, Message: err.Error()}.JSON()
}
