package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/ternarybob/recap/internal/handlers"
)

// byMethod dispatches on the request method and answers 405 with an Allow header otherwise
func byMethod(routes map[string]http.HandlerFunc) http.HandlerFunc {
	allowed := make([]string, 0, len(routes))
	for method := range routes {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	allow := strings.Join(allowed, ", ")

	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := routes[r.Method]; ok {
			h(w, r)
			return
		}
		w.Header().Set("Allow", allow)
		handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// suffixRoute maps the final path segment under a prefix (e.g. /api/jobs/{name}/trigger)
type suffixRoute struct {
	suffix  string
	handler http.HandlerFunc
}

// bySuffix dispatches on the path tail below prefix, falling through to notFound
func bySuffix(prefix string, notFound http.HandlerFunc, routes ...suffixRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, prefix)
		if tail != "" && tail != r.URL.Path {
			for _, route := range routes {
				if strings.HasSuffix(tail, route.suffix) && tail != route.suffix {
					route.handler(w, r)
					return
				}
			}
		}
		notFound(w, r)
	}
}
