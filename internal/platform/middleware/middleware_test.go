package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	err := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q, context = %q", rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestID_PreservesWellFormed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "edge-7f3a.1")
	rec := httptest.NewRecorder()

	_ = RequestID()(func(c echo.Context) error { return nil })(e.NewContext(req, rec))
	if rec.Header().Get(RequestIDHeader) != "edge-7f3a.1" {
		t.Errorf("got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>"+strings.Repeat("x", 80))
	rec := httptest.NewRecorder()

	_ = RequestID()(func(c echo.Context) error { return nil })(e.NewContext(req, rec))
	if got := rec.Header().Get(RequestIDHeader); strings.Contains(got, "<") || len(got) != 36 {
		t.Errorf("got %q, want a generated UUID", got)
	}
}

func TestLogger_LogsRouteNotAddress(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forms/anamnese", nil)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/forms/:formId")
	c.Set("request_id", "req-1")

	err := Logger(zerolog.New(&buf), func(ip string) string { return "hashed" })(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"route":"/api/v1/forms/:formId"`, `"client":"hashed"`, `"request_id":"req-1"`, `"status":200`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "203.0.113.9") || strings.Contains(out, "anamnese\"") {
		t.Errorf("raw address or path logged: %s", out)
	}
}

func TestLogger_HandlesError(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := Logger(zerolog.New(&buf), nil)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	})(c)
	if err != nil {
		t.Fatalf("error should be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("log = %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-9")

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})(c)

	if statusOf(err) != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500", err)
	}
	if !strings.Contains(buf.String(), "test panic") || !strings.Contains(buf.String(), "req-9") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := Recovery(zerolog.New(io.Discard))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		header   string
		fallback string
		want     string
		status   int
	}{
		{"query", "/?location=praxis-nord", "praxis-sued", "", "praxis-nord", 0},
		{"header", "/", "praxis-sued", "", "praxis-sued", 0},
		{"default", "/", "", "main", "main", 0},
		{"none", "/", "", "", "", 0},
		{"invalid", "/?location=a%2Fb", "", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(LocationHeader, tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			var got string
			err := Location(tt.fallback)(func(c echo.Context) error {
				got = LocationFromContext(c.Request().Context())
				return nil
			})(c)

			if tt.status != 0 {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != tt.status {
					t.Errorf("err = %v, want %d", err, tt.status)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}
