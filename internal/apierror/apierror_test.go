package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteJSON(w, r, http.StatusNotFound, ConfigInvalid, "no matching route")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp body
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Not Found" {
		t.Errorf("error = %q, want %q", resp.Error, "Not Found")
	}
	if resp.ErrorCode != string(ConfigInvalid) {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, ConfigInvalid)
	}
	if resp.Message != "no matching route" {
		t.Errorf("message = %q, want %q", resp.Message, "no matching route")
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	WriteJSON(w, r, http.StatusUnauthorized, Unauthenticated, "missing or malformed Authorization header")

	var resp body
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.ErrorCode != string(Unauthenticated) {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, Unauthenticated)
	}
}

func TestWriteJSON_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// No X-Request-ID header set

	WriteJSON(w, r, http.StatusTooManyRequests, QuotaExceeded, "rate limit exceeded, retry later")

	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
}

func TestWriteJSON_NilRequest(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusInternalServerError, InternalError, "an unexpected error occurred")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp body
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != string(InternalError) {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, InternalError)
	}
}

func TestWriteResponse_JSONDefault(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteResponse(w, r, ErrQuotaExceeded)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestWriteResponse_PrefersText(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("Accept", "text/plain")

	WriteResponse(w, r, ErrCircuitOpen)

	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestWriteResponse_JSONPreferredOverText(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("Accept", "application/json, text/plain;q=0.9")

	WriteResponse(w, r, ErrNoHealthyBackend)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestWriteResponse_WrapsUnknownError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteResponse(w, r, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp body
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != string(InternalError) {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, InternalError)
	}
}

func TestAs_PassesThroughTaxonomyError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrForbidden)
	e := As(wrapped)
	if e.Code != Forbidden {
		t.Errorf("code = %q, want %q", e.Code, Forbidden)
	}
	if e.Status != http.StatusForbidden {
		t.Errorf("status = %d, want %d", e.Status, http.StatusForbidden)
	}
}

func TestWithMessage_DoesNotMutateSentinel(t *testing.T) {
	custom := ErrQuotaExceeded.WithMessage("slow down")
	if ErrQuotaExceeded.Message == "slow down" {
		t.Fatal("WithMessage mutated the shared sentinel")
	}
	if custom.Message != "slow down" {
		t.Errorf("message = %q, want %q", custom.Message, "slow down")
	}
	if custom.Code != QuotaExceeded {
		t.Errorf("code = %q, want %q", custom.Code, QuotaExceeded)
	}
}

func TestWithStatus_DoesNotMutateSentinel(t *testing.T) {
	custom := ErrTimedOut.WithStatus(599)
	if ErrTimedOut.Status == 599 {
		t.Fatal("WithStatus mutated the shared sentinel")
	}
	if custom.Status != 599 {
		t.Errorf("status = %d, want %d", custom.Status, 599)
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(UpstreamError, http.StatusBadGateway, "upstream request failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestAllErrorCodes_HavePremierPrefix(t *testing.T) {
	codes := []ErrorCode{
		QuotaExceeded, BucketFull, TimedOut, CircuitOpen, NoHealthyBackend,
		Unauthenticated, Forbidden, UpstreamError, ConfigInvalid, InternalError,
	}
	for _, code := range codes {
		if len(code) < 8 || code[:8] != "PREMIER_" {
			t.Errorf("code %q does not have PREMIER_ prefix", code)
		}
	}
	if len(codes) != 10 {
		t.Errorf("expected 10 error codes, got %d", len(codes))
	}
}
