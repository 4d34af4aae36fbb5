package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

const locationKey contextKey = "location_id"

// LocationHeader selects the practice location when no query parameter does.
const LocationHeader = "X-Location-ID"

var locationPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Location resolves the practice location of a request from the "location"
// query parameter, then the X-Location-ID header, then defaultLocation. An id
// with characters outside [a-zA-Z0-9_-] is rejected with 400.
func Location(defaultLocation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.QueryParam("location")
			if id == "" {
				id = c.Request().Header.Get(LocationHeader)
			}
			if id == "" {
				id = defaultLocation
			}
			if id != "" && !locationPattern.MatchString(id) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid location identifier")
			}

			ctx := context.WithValue(c.Request().Context(), locationKey, id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(locationKey), id)
			return next(c)
		}
	}
}

// LocationFromContext returns the location id set by Location, or "".
func LocationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(locationKey).(string)
	return id
}
