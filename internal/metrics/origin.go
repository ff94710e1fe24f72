package metrics

import (
	"net/http"
	"net/url"
	"strings"
)

// AllowOrigins rejects browser requests whose Origin header is not listed.
// An entry matches the full origin ("http://localhost:3000"), its host name
// ("localhost") or anything ("*"). Requests without an Origin header pass.
// An empty list allows every origin.
func AllowOrigins(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if !originAllowed(allowed, origin) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed", "origin": origin})
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed map[string]bool, origin string) bool {
	if allowed["*"] {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
	if allowed[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return allowed[u.Hostname()]
}
