package envelope

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// GatewayName and Version are stamped into every envelope's meta block.
const GatewayName = "sentrygw"

var Version = "dev"

// Meta accompanies every rewritten response (spec.md §4.10).
type Meta struct {
	RequestID  string `json:"request_id"`
	DurationMs int64  `json:"duration_ms"`
	Gateway    string `json:"gateway"`
	Version    string `json:"version"`
}

// Success is the 2xx envelope shape.
type Success struct {
	Success bool `json:"success"`
	Code    string `json:"code"`
	Data    any  `json:"data"`
	Meta    Meta `json:"meta"`
}

// Failure is the non-2xx envelope shape.
type Failure struct {
	Success bool         `json:"success"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Error   FailureError `json:"error"`
	Meta    Meta         `json:"meta"`
}

type FailureError struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details"`
	TraceID string         `json:"trace_id"`
}

// codeForStatus implements spec.md §4.10's status → code mapping table.
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION"
	case http.StatusTooManyRequests:
		return "RATE_LIMIT"
	}
	if status >= 500 {
		return "UPSTREAM_ERROR"
	}
	return "ERROR"
}

func friendlyMessage(code string) string {
	switch code {
	case "UNAUTHENTICATED":
		return "Authentication is required or has failed."
	case "FORBIDDEN":
		return "You do not have permission to perform this action."
	case "NOT_FOUND":
		return "The requested resource was not found."
	case "CONFLICT":
		return "The request conflicts with the current state of the resource."
	case "VALIDATION":
		return "The request could not be validated."
	case "RATE_LIMIT":
		return "Too many requests; please slow down."
	case "UPSTREAM_ERROR":
		return "The upstream service returned an error."
	default:
		return "An error occurred."
	}
}

// excludedPrefixes lists path prefixes the envelope rewriter never applies
// to (spec.md §4.10).
var excludedPrefixes = []string{"/auth/", "/public/", "/health", "/docs"}

// Excluded reports whether path is exempt from envelope rewriting.
func Excluded(path string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsJSON reports whether contentType begins with application/json.
func IsJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

// Rewrite wraps an upstream JSON body in the success/error envelope shape.
// body is the raw upstream payload (possibly not valid JSON, in which case
// it is carried through as a raw string per spec.md §4.10).
func Rewrite(status int, body []byte, requestID string, duration time.Duration) []byte {
	meta := Meta{
		RequestID:  requestID,
		DurationMs: duration.Milliseconds(),
		Gateway:    GatewayName,
		Version:    Version,
	}

	var parsed any
	parseErr := json.Unmarshal(body, &parsed)

	if status >= 200 && status < 300 {
		data := parsed
		if parseErr != nil {
			data = string(body)
		}
		out, _ := json.Marshal(Success{Success: true, Code: "SUCCESS", Data: data, Meta: meta})
		return out
	}

	code := codeForStatus(status)
	details := map[string]any{
		"http_status":       status,
		"original_response": parsed,
	}
	if parseErr != nil {
		details["original_response"] = string(body)
	}

	out, _ := json.Marshal(Failure{
		Success: false,
		Code:    code,
		Message: friendlyMessage(code),
		Error: FailureError{
			Type:    strings.ToLower(code),
			Details: details,
			TraceID: requestID,
		},
		Meta: meta,
	})
	return out
}

// WriteFailure writes a gateway-originated envelope failure directly,
// bypassing Rewrite's upstream-body parsing. Used by filters that
// short-circuit with an envelope shape rather than problem-details (block,
// rate-limit, circuit-open — spec.md §4.5/§4.7/§4.8 all specify an envelope
// body for their own terminal responses, unlike auth/routing failures which
// use RFC 7807 via WriteProblem).
func WriteFailure(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string, duration time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Failure{
		Success: false,
		Code:    code,
		Message: message,
		Error: FailureError{
			Type:    strings.ToLower(code),
			Details: details,
			TraceID: requestID,
		},
		Meta: Meta{
			RequestID:  requestID,
			DurationMs: duration.Milliseconds(),
			Gateway:    GatewayName,
			Version:    Version,
		},
	})
}
