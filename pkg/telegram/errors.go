// Copyright 2024-2026 Aiku AI

package telegram

import (
	"errors"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

var errNotConnected = errors.New("telegram: not connected")

func apiError(err error) *tgbotapi.Error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr
	}
	var apiErrValue tgbotapi.Error
	if errors.As(err, &apiErrValue) {
		return &apiErrValue
	}
	return nil
}

// isAuthError reports a rejected bot token. The Bot API answers 404 for
// malformed tokens and 401 for revoked ones.
func isAuthError(err error) bool {
	apiErr := apiError(err)
	return apiErr != nil && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound)
}

func isEntityParseError(err error) bool {
	apiErr := apiError(err)
	return apiErr != nil && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "can't parse entities")
}

// classifySendError maps a failed sendMessage to the relay error categories.
func classifySendError(err error) error {
	apiErr := apiError(err)
	if apiErr == nil {
		return relay.Transient(err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &relay.TransientError{Err: err, RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	case apiErr.Code >= 500:
		return relay.Transient(err)
	case apiErr.Code >= 400:
		return relay.Permanent(err)
	default:
		return relay.Transient(err)
	}
}
