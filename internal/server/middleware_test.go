package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if captured == "" {
		t.Fatal("expected a generated request id in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != captured {
		t.Fatalf("response header %q does not match context id %q", got, captured)
	}
}

func TestRequestIDMiddlewarePreservesIncoming(t *testing.T) {
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "req-7" {
			t.Fatalf("expected req-7, got %q", got)
		}
	})

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-7")
	requestIDMiddleware(inner).ServeHTTP(httptest.NewRecorder(), req)
}

func TestTenantMiddlewareRequiredOnAPIRoutes(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	tenantMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant header, got %d", rec.Code)
	}

	var envelope model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != model.ErrCodeInvalidInput {
		t.Fatalf("expected %s, got %s", model.ErrCodeInvalidInput, envelope.Error.Code)
	}
}

func TestTenantMiddlewareSkipsHealth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	tenantMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on /health without tenant header, got %d", rec.Code)
	}
}

func TestTenantMiddlewareParsesHeader(t *testing.T) {
	tenantID := uuid.New()
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if got := TenantFromContext(r.Context()); got != tenantID {
			t.Fatalf("expected tenant %s in context, got %s", tenantID, got)
		}
	})

	req := httptest.NewRequest("POST", "/v1/projects/x/runs", nil)
	req.Header.Set("X-Tenant-ID", tenantID.String())
	tenantMiddleware(inner).ServeHTTP(httptest.NewRecorder(), req)
}

func TestTenantMiddlewareRejectsMalformedHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/runs/abc", nil)
	req.Header.Set("X-Tenant-ID", "not-a-uuid")

	rec := httptest.NewRecorder()
	tenantMiddleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed tenant header, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("handler exploded")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(discardLogger(), inner).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var envelope model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != model.ErrCodeInternalError {
		t.Fatalf("expected %s, got %s", model.ErrCodeInternalError, envelope.Error.Code)
	}
}

func TestDecodeJSONRejectsOversizeBody(t *testing.T) {
	body := strings.NewReader(`{"agent_types": ["` + strings.Repeat("a", 256) + `"]}`)
	req := httptest.NewRequest("POST", "/v1/projects/x/runs", body)
	rec := httptest.NewRecorder()

	var target model.CreateRunRequest
	err := decodeJSON(rec, req, &target, 64)
	if err == nil {
		t.Fatal("expected an error for an oversize body")
	}

	handleDecodeError(rec, req, err)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestDecodeJSONEmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/projects/x/runs", strings.NewReader(""))
	rec := httptest.NewRecorder()

	var target model.CreateRunRequest
	err := decodeJSON(rec, req, &target, 1024)
	if err == nil {
		t.Fatal("expected an error for an empty body")
	}

	handleDecodeError(rec, req, err)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var envelope model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Message != "request body is required" {
		t.Fatalf("unexpected message: %q", envelope.Error.Message)
	}
}

func TestDecodeJSONUnknownField(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/projects/x/runs", strings.NewReader(`{"surprise": true}`))
	rec := httptest.NewRecorder()

	var target model.CreateRunRequest
	err := decodeJSON(rec, req, &target, 1024)
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}

	handleDecodeError(rec, req, err)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY, got %q", got)
	}
}
