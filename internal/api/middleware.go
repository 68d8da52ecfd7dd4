package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Kadem9/caissefacile/internal/serverdb"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey string

const (
	keyAPIKey ctxKey = "api-key"
	keyLogger ctxKey = "logger"
)

func apiKeyFromContext(ctx context.Context) *serverdb.APIKey {
	ak, _ := ctx.Value(keyAPIKey).(*serverdb.APIKey)
	return ak
}

// logFor returns the request logger, or the default one outside a request.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(keyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, keyLogger, l)
}

// deviceID is the terminal named by X-Device-ID, if any.
func deviceID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Device-ID"))
}

// observe tags the request logger with request and device ids, then counts
// and logs the response once the handler returns.
func observe(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			attrs := []any{"rid", middleware.GetReqID(r.Context())}
			if dev := deviceID(r); dev != "" {
				attrs = append(attrs, "device", dev)
			}
			l := slog.Default().With(attrs...)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(withLogger(r.Context(), l)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordResponse(status)
			l.Info("req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"dur", time.Since(start).Round(time.Microsecond).String(),
			)
		})
	}
}

// recoverPanics turns a handler panic into a 500 with the usual error body.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logFor(r.Context()).Error("handler panic", "panic", p, "path", r.URL.Path)
				writeError(w, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth checks the Bearer key when auth is on and attaches the key to
// the request context and logger.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, ErrCodeUnauthorized, "missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, ErrCodeUnauthorized, "invalid authorization format")
			return
		}
		ak, err := s.store.VerifyAPIKey(r.Context(), token)
		switch {
		case err != nil:
			logFor(r.Context()).Error("verify api key", "err", err)
			writeError(w, ErrCodeInternal, "failed to verify key")
			return
		case ak == nil:
			writeError(w, ErrCodeUnauthorized, "invalid or expired api key")
			return
		}
		ctx := context.WithValue(r.Context(), keyAPIKey, ak)
		ctx = withLogger(ctx, logFor(ctx).With("key", ak.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
