// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

const maxErrorBody = 256

var (
	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork = errors.New("backend unreachable")
	// ErrParse is returned when a response body is not valid JSON or has the wrong shape.
	ErrParse = errors.New("malformed backend response")
	// ErrBackend is returned when the backend answered with an error envelope.
	ErrBackend = errors.New("backend reported an error")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if body == "" {
		body = http.StatusText(e.Code)
	}
	return fmt.Sprintf("backend returned http %d: %s", e.Code, body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Outcome is the classified result of a sync request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNetworkError
	OutcomeStatusError
	OutcomeParseError
	OutcomeBackendError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeStatusError:
		return "status_error"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeBackendError:
		return "backend_error"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by the Client onto an Outcome. Errors the
// client did not produce are treated as network errors.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return OutcomeStatusError
	case errors.Is(err, ErrParse):
		return OutcomeParseError
	case errors.Is(err, ErrBackend):
		return OutcomeBackendError
	default:
		return OutcomeNetworkError
	}
}

// Retryable reports whether a failed request may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return errors.Is(err, ErrNetwork)
}

func mapHTTPError(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	return &StatusError{Code: resp.StatusCode(), Body: body}
}
