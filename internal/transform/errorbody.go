package transform

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/palantir/internal"
)

// TranslateErrorBody re-spells an upstream error payload in the downstream
// dialect, so a transformed call fails in the dialect the caller speaks. The
// error taxonomy is derived from the HTTP status, which survives translation
// exactly; only the message crosses over. A body with no recognizable message
// passes through untouched.
func TranslateErrorBody(src, dst relay.Protocol, status int, body []byte) []byte {
	if src == dst {
		return body
	}
	msg := firstNonEmpty(
		gjson.GetBytes(body, "error.message").String(),
		gjson.GetBytes(body, "message").String(),
	)
	if msg == "" {
		return body
	}
	if out := ErrorBody(dst, status, msg); out != nil {
		return out
	}
	return body
}

// ErrorBody renders an error message as the dialect's own error payload.
// Used for relay-originated failures, where there is no upstream body to
// translate. Returns nil only if marshaling fails.
func ErrorBody(dst relay.Protocol, status int, msg string) []byte {
	var out []byte
	var err error
	switch dst {
	case relay.ProtoClaude:
		out, err = json.Marshal(claudeErrorBody{
			Type:  "error",
			Error: claudeErrorDetail{Type: claudeErrorType(status), Message: msg},
		})
	case relay.ProtoGemini:
		out, err = json.Marshal(geminiErrorBody{
			Error: geminiErrorDetail{Code: status, Message: msg, Status: googleStatus(status)},
		})
	default:
		out, err = json.Marshal(openaiErrorBody{
			Error: openaiErrorDetail{Type: openaiErrorType(status), Message: msg},
		})
	}
	if err != nil {
		return nil
	}
	return out
}

type claudeErrorBody struct {
	Type  string            `json:"type"`
	Error claudeErrorDetail `json:"error"`
}

type claudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type geminiErrorBody struct {
	Error geminiErrorDetail `json:"error"`
}

type geminiErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func claudeErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func openaiErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func googleStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case status == http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case status == http.StatusForbidden:
		return "PERMISSION_DENIED"
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status == http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case status == http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case status >= 500:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}
