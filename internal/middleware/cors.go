package middleware

import (
	"net/http"
	"strings"
)

// CORS answers cross-origin requests for the public API. Origins are
// matched against the request's Origin header: "*" allows everyone,
// "https://*.example.com" patterns match by scheme and suffix, anything
// else must match exactly.
func CORS(allowOrigins []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool, len(allowOrigins))
	var wildcards []string
	allowAll := false
	for _, o := range allowOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			wildcards = append(wildcards, strings.Replace(o, "*", "", 1))
		default:
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, pattern := range wildcards {
			// pattern is e.g. "https://.example.com"
			scheme, suffix, found := strings.Cut(pattern, "//")
			if found {
				if strings.HasPrefix(origin, scheme+"//") && strings.HasSuffix(origin, suffix) {
					return true
				}
			} else if strings.HasSuffix(origin, pattern) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				// The response depends on Origin, so caches must key on it
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-API-Key, X-Restaurant-ID, X-Request-ID, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
