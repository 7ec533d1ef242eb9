package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

type SecurityHeadersConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive. Leave it
	// zero for plain-HTTP development servers.
	HSTSMaxAge time.Duration
}

// SecurityHeaders sets the headers every response carries. The API serves
// JSON only, so nothing may be framed, sniffed or loaded as a subresource.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	var hsts string
	if secs := int64(cfg.HSTSMaxAge / time.Second); secs > 0 {
		hsts = "max-age=" + strconv.FormatInt(secs, 10) + "; includeSubDomains"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}

// NoStore keeps intermediaries and browsers from caching responses. Mount it
// on routes that return patient contact details or prescriptions.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			return next(c)
		}
	}
}
