package envelope

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRewrite_SuccessEnvelope(t *testing.T) {
	out := Rewrite(http.StatusOK, []byte(`{"id":42}`), "req-1", 15*time.Millisecond)

	var got Success
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Code != "SUCCESS" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.Meta.RequestID != "req-1" {
		t.Fatalf("expected request id to carry through, got %q", got.Meta.RequestID)
	}
}

func TestRewrite_SuccessWithUnparsableBody(t *testing.T) {
	out := Rewrite(http.StatusOK, []byte(`not json`), "req-2", 0)

	var got Success
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Data != "not json" {
		t.Fatalf("expected raw string passthrough for unparsable body, got %v", got.Data)
	}
}

func TestRewrite_ErrorEnvelopeMapsCode(t *testing.T) {
	cases := map[int]string{
		http.StatusUnauthorized:          "UNAUTHENTICATED",
		http.StatusForbidden:             "FORBIDDEN",
		http.StatusNotFound:              "NOT_FOUND",
		http.StatusConflict:              "CONFLICT",
		http.StatusUnprocessableEntity:   "VALIDATION",
		http.StatusTooManyRequests:       "RATE_LIMIT",
		http.StatusInternalServerError:   "UPSTREAM_ERROR",
		http.StatusTeapot:                "ERROR",
	}
	for status, want := range cases {
		out := Rewrite(status, []byte(`{"msg":"nope"}`), "req-3", 0)
		var got Failure
		if err := json.Unmarshal(out, &got); err != nil {
			t.Fatal(err)
		}
		if got.Code != want {
			t.Errorf("status %d: expected code %s, got %s", status, want, got.Code)
		}
		if got.Success {
			t.Errorf("status %d: expected success=false", status)
		}
		if got.Error.TraceID != "req-3" {
			t.Errorf("status %d: expected trace_id to be request id", status)
		}
	}
}

func TestExcluded(t *testing.T) {
	cases := map[string]bool{
		"/auth/login":     true,
		"/public/widgets": true,
		"/healthz":        true,
		"/orders/42":      false,
	}
	for path, want := range cases {
		if got := Excluded(path); got != want {
			t.Errorf("Excluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize("token Bearer eyJhbGciOiJIUzI1NiJ9.abc.def leaked to user@example.com")
	if got == "" {
		t.Fatal("expected a non-empty sanitized string")
	}
	if strings.Contains(got, "eyJhbGciOiJIUzI1NiJ9") {
		t.Fatalf("expected the raw JWT to be redacted, got %q", got)
	}
	if strings.Contains(got, "user@example.com") {
		t.Fatalf("expected the email to be redacted, got %q", got)
	}
}

func TestSanitize_EmptyFallsBackToGenericMessage(t *testing.T) {
	if got := Sanitize(""); got != "An error occurred" {
		t.Fatalf("expected fallback message, got %q", got)
	}
}

func TestSanitize_Truncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := Sanitize(string(long))
	if len(got) > maxDetailLen+len("…") {
		t.Fatalf("expected truncation to ~%d chars, got %d", maxDetailLen, len(got))
	}
}
