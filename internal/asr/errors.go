package asr

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout       = errors.New("asr recognition timed out")
	ErrNotConfigured = errors.New("asr credentials are not configured")

	ErrSilent          = errors.New("silent audio, resubmit required")
	ErrBusy            = errors.New("asr service busy")
	ErrInvalidParams   = errors.New("invalid request parameters")
	ErrInternal        = errors.New("asr internal error")
	ErrInvalidResponse = errors.New("invalid asr response")
	ErrSubmitRejected  = errors.New("asr submit rejected")
)

// StatusError неуспешный ответ ASR с диагностикой upstream.
type StatusError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	LogID      string
	Kind       error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("asr %s: %v", e.Op, e.Kind)
	if e.Code != "" {
		msg += fmt.Sprintf(" (code %s)", e.Code)
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Kind }
