// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// statusOf returns the HTTP status of a failed API call, or 0 if no
// response was received.
func statusOf(resp *model.Response, err error) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

// classifySendError maps a failed CreatePost to the relay error categories.
func classifySendError(resp *model.Response, err error) error {
	status := statusOf(resp, err)
	switch {
	case status == 0, status >= 500:
		return relay.Transient(err)
	case status == http.StatusTooManyRequests:
		return &relay.TransientError{Err: err, RetryAfter: retryAfter(resp)}
	case status >= 400:
		return relay.Permanent(err)
	default:
		return relay.Transient(err)
	}
}

func retryAfter(resp *model.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	// Mattermost's rate limiter reports the reset time instead.
	if secs, err := strconv.Atoi(resp.Header.Get("X-Ratelimit-Reset")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
