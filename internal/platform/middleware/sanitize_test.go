package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newMalformedEcho(logs *bytes.Buffer) *echo.Echo {
	e := echo.New()
	e.Use(RejectMalformed(zerolog.New(logs)))
	e.GET("/*", okHandler)
	e.POST("/*", okHandler)
	return e
}

func TestRejectMalformed_Blocks(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header [2]string
	}{
		{"dot dot", "/api/v1/forms/../../etc/passwd", [2]string{}},
		{"encoded dot dot", "/api/v1/forms/%2e%2e/secret", [2]string{}},
		{"double encoded", "/api/v1/forms/%252e%252e/secret", [2]string{}},
		{"null byte path", "/api/v1/forms/anamnese%00.json", [2]string{}},
		{"null byte query", "/api/v1/forms/anamnese?lang=de%00", [2]string{}},
		{"script query", "/api/v1/forms/anamnese?lang=%3Cscript%3E", [2]string{}},
		{"event handler query", "/api/v1/forms/anamnese?location=onload%3Dalert(1)", [2]string{}},
		{"oversized header", "/api/v1/forms/anamnese", [2]string{"X-Custom", strings.Repeat("a", maxHeaderValueSize+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			e := newMalformedEcho(&logs)
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if !strings.Contains(logs.String(), "malformed request rejected") {
				t.Error("rejection not logged")
			}
		})
	}
}

func TestRejectMalformed_HeaderInjection(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forms/anamnese", nil)
	req.Header["X-Injected"] = []string{"value\r\nSet-Cookie: evil=1"}
	if reason := malformed(req); !strings.Contains(reason, "header injection") {
		t.Errorf("reason = %q", reason)
	}
}

func TestRejectMalformed_PassesNormalRequests(t *testing.T) {
	var logs bytes.Buffer
	e := newMalformedEcho(&logs)

	for _, target := range []string{
		"/api/v1/forms/anamnese?lang=de&location=praxis-nord",
		"/api/v1/forms/anamnese/submissions",
		"/api/v1/requests",
		"/health",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("X-API-Key", "some-key")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", target, rec.Code)
		}
	}
}
