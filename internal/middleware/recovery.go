package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/josh-kwaku/exchange-backoffice/internal/handler"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
)

// Recovery turns a panic in a handler into a 500. A panic inside a balance
// mutation has already rolled its transaction back by the time it reaches here.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				log := logging.FromContext(r.Context())
				log.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", TraceIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				handler.RespondAppError(w, handler.ErrInternalError, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
