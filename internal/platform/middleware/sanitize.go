package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8192

var scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

// RejectMalformed answers 400 for requests whose path, headers or query carry
// traversal sequences, null bytes, header injection, oversized header values
// or script payloads. Form field content is not inspected here; submissions
// are sanitized field by field after validation.
func RejectMalformed(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := malformed(c.Request()); reason != "" {
				rid, _ := c.Get("request_id").(string)
				logger.Warn().Str("request_id", rid).Str("reason", reason).Msg("malformed request rejected")
				return echo.NewHTTPError(http.StatusBadRequest, reason)
			}
			return next(c)
		}
	}
}

func malformed(req *http.Request) string {
	path := req.URL.Path
	rawPath := req.URL.RawPath
	if rawPath == "" {
		rawPath = path
	}

	if containsPathTraversal(path) || containsPathTraversal(rawPath) {
		return "path traversal detected"
	}
	if containsNullByte(path) || containsNullByte(rawPath) {
		return "null byte in path"
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value too large: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}

	for key, values := range req.URL.Query() {
		if containsNullByte(key) || scriptPattern.MatchString(key) {
			return "invalid query parameter"
		}
		for _, v := range values {
			if containsNullByte(v) || scriptPattern.MatchString(v) {
				return "invalid query parameter"
			}
		}
	}
	return ""
}

// containsPathTraversal checks raw and percent-encoded forms.
func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
