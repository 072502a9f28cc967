package middleware

import (
	"fmt"
	"net/http"
)

// CacheControl marks successful GET responses cacheable for maxAge seconds.
// Responses to identified callers are marked private.
func CacheControl(maxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				scope := "public"
				if UserIDFromContext(r.Context()) != "" {
					scope = "private"
				}
				w.Header().Set("Cache-Control", fmt.Sprintf("%s, max-age=%d", scope, maxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}
