// Package middleware holds the request-scoped plumbing shared by every
// route: structured access logs and panic containment.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/internal/server/handlers"
)

// RequestLogger logs one line per request with the chi request id so
// API access can be correlated with job log entries.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("Request handled",
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// Recoverer converts handler panics into the standard error envelope
// instead of dropping the connection.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("Handler panic",
						zap.String("request_id", chimw.GetReqID(r.Context())),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()))
					handlers.WriteError(w, r, apperrors.New(apperrors.KindInternal, "handler panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
