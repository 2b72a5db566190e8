package security

import "net/http"

// Content security policies for gateway responses. The login page needs
// inline styles and a form posting back to the gateway; everything else is
// JSON and loads nothing.
const (
	APIContentSecurityPolicy  = "default-src 'none'; frame-ancestors 'none'"
	PageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'"
)

// SetSecurityHeaders writes the response headers every auth endpoint
// carries. HSTS is only sent when the gateway is served over TLS.
func SetSecurityHeaders(w http.ResponseWriter, csp string, tls bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", csp)
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SecurityHeaders wraps next so every response carries the API headers.
func SecurityHeaders(tls bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetSecurityHeaders(w, APIContentSecurityPolicy, tls)
		next.ServeHTTP(w, r)
	})
}
