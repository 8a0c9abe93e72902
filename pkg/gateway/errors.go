package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// fallbackMessage is used when neither the body nor the status line explain
// a failure.
const fallbackMessage = "Unknown API failure."

// APIError is returned once every attempt of a call has failed. Message is
// the last attempt's failure text.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Attempts   int
	Cause      error
}

func (e *APIError) Error() string {
	return "[API Error] " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// ContractError reports a nominally successful response that lacks a field
// the client depends on.
type ContractError struct {
	Endpoint string
	Op       string
	Field    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s succeeded but %s missing", e.Op, e.Field)
}

// failureMessage picks the text describing a failed response: the body's
// error field, then its detail field, then the status text.
func failureMessage(env Envelope, statusCode int) string {
	for _, key := range []string{"error", "detail"} {
		if msg := textOf(env[key]); msg != "" {
			return msg
		}
	}
	if statusCode != 0 && statusCode/100 != 2 {
		if text := http.StatusText(statusCode); text != "" {
			return text
		}
	}
	return fallbackMessage
}

// textOf renders a JSON value as text. Strings are unquoted; objects and
// lists (FastAPI validation details) are kept as compact JSON.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	trimmed := strings.TrimSpace(string(raw))
	switch trimmed {
	case "null", "false", `""`, "{}", "[]":
		return ""
	}
	return trimmed
}
