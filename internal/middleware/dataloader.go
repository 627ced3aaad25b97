package middleware

import (
	"net/http"

	"github.com/rpattn/flagstate/internal/envloader"
)

// DataLoaderMiddleware attaches a fresh environment loader to every request.
func DataLoaderMiddleware(fetcher envloader.Fetcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := envloader.NewEnvironmentLoader(fetcher)
			ctx := envloader.WithLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
