package observability

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/tourmarket/requestgate/security"
)

// RecoverMiddleware turns a handler panic into a 500 response, logs it and
// reports it to Sentry.
func RecoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			hub := sentry.GetHubFromContext(r.Context())
			if hub == nil {
				hub = sentry.CurrentHub()
			}
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("path", r.URL.Path)
				scope.SetTag("method", r.Method)
				scope.SetExtra("stack", string(debug.Stack()))
				hub.Recover(rec)
			})

			security.RequestLogger(r.Context(), logger).Error("Panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec)

			security.SetNoStore(w)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"server_error","error_description":"Internal server error."}` + "\n"))
		}()

		next.ServeHTTP(w, r)
	})
}
