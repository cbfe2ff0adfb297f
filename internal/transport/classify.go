package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ratchet-labs/ratchet/internal/types"
)

// maxErrorBodyBytes bounds how much of a non-JSON error body is carried into
// the error message.
const maxErrorBodyBytes = 256

// classifyStatus maps an HTTP error status to an error kind.
func classifyStatus(status int) types.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return types.KindRateLimit
	case status >= 500:
		return types.KindServerError
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return types.KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.KindAuth
	case status == http.StatusNotFound:
		return types.KindNotFound
	case status == http.StatusConflict:
		return types.KindConflict
	default:
		return types.KindUnknown
	}
}

// classifyErr maps a round-trip error (the call never produced a response)
// into the error taxonomy. Caller cancellation passes through unclassified so
// the retry loop stops instead of retrying it.
func classifyErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := types.KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = types.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		kind = types.KindTimeout
	}
	return &types.RemoteError{Kind: kind, Message: err.Error()}
}

// errorMessage extracts a human-readable message from an error response body.
// It understands the {"error": "..."} envelope and the ticketing API's
// {"errorMessages": [...]} form, falling back to the raw body truncated to
// maxErrorBodyBytes.
func errorMessage(body []byte, status int) string {
	var envelope struct {
		Error         string   `json:"error"`
		ErrorMessages []string `json:"errorMessages"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if len(envelope.ErrorMessages) > 0 {
			return strings.Join(envelope.ErrorMessages, "; ")
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	if len(msg) > maxErrorBodyBytes {
		msg = msg[:maxErrorBodyBytes] + "..."
	}
	return msg
}

// parseRetryAfter reads the Retry-After response header. It accepts both the
// delta-seconds and the HTTP-date form, returning zero when the header is
// absent, malformed, or already in the past.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
