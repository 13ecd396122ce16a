// Package middleware provides HTTP middleware for the host's admin surface.
package middleware

import "net/http"

// securityHeaders are applied to every admin response. The surface serves
// JSON and an upgraded websocket, never rendered HTML, so the content
// policy denies everything.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":           "no-store",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
}

// SecurityHeaders wraps next so every response carries the admin surface's
// standard security headers. overrides, if non-nil, replaces or extends the
// defaults per header name; an override with an empty value suppresses that
// header entirely.
func SecurityHeaders(overrides map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for name, value := range securityHeaders {
				w.Header().Set(name, value)
			}
			for name, value := range overrides {
				if value == "" {
					w.Header().Del(name)
					continue
				}
				w.Header().Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
