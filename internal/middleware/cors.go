// Package middleware provides HTTP middleware for the relay.
package middleware

import "net/http"

// CORS returns middleware that sets permissive CORS headers. The
// consumer worker runs embedded in a host page of unknown origin and
// carries no cookies, so there is nothing to protect by restricting the
// origin or allowing credentials — every origin gets a wildcard echo.
func CORS() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
