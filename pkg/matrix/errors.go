// Copyright 2024-2026 Aiku AI

package matrix

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"maunium.net/go/mautrix"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

var errNotConnected = errors.New("matrix: not connected")

func isAuthError(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		statusCode(err) == http.StatusUnauthorized
}

// isInvalidSince reports whether a sync failed because of the since token.
func isInvalidSince(err error) bool {
	if errors.Is(err, mautrix.MInvalidParam) || errors.Is(err, mautrix.MUnknown) {
		return true
	}
	status := statusCode(err)
	return status == http.StatusBadRequest || status == http.StatusNotFound
}

// classifySendError maps a failed send to the relay error categories.
func classifySendError(err error) error {
	switch {
	case errors.Is(err, mautrix.MLimitExceeded):
		return &relay.TransientError{Err: err, RetryAfter: retryAfter(err)}
	case errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken),
		errors.Is(err, mautrix.MForbidden),
		errors.Is(err, mautrix.MNotFound),
		errors.Is(err, mautrix.MBadJSON),
		errors.Is(err, mautrix.MNotJSON),
		errors.Is(err, mautrix.MInvalidParam),
		errors.Is(err, mautrix.MTooLarge):
		return relay.Permanent(err)
	}
	status := statusCode(err)
	switch {
	case status == 0:
		return relay.Transient(err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &relay.TransientError{Err: err, RetryAfter: retryAfter(err)}
	case status >= 400:
		return relay.Permanent(err)
	default:
		return relay.Transient(err)
	}
}

func httpResponse(err error) *http.Response {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Response
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr != nil {
		return httpErrPtr.Response
	}
	return nil
}

// statusCode returns the HTTP status of a failed request, or 0 if the
// request never got a response.
func statusCode(err error) int {
	if resp := httpResponse(err); resp != nil {
		return resp.StatusCode
	}
	return 0
}

func retryAfter(err error) time.Duration {
	resp := httpResponse(err)
	if resp == nil {
		return 0
	}
	if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
