package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/auth"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/handler"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
)

type idempotencyStore interface {
	Reserve(ctx context.Context, key string, userID uuid.UUID, requestHash string, expiresAt time.Time) (*repository.CachedResponse, error)
	Complete(ctx context.Context, key string, userID uuid.UUID, status int, body []byte) error
	Release(ctx context.Context, key string, userID uuid.UUID) error
}

// Idempotency makes a keyed mutating request run at most once per caller.
// A repeat with the same key and body gets the stored response back; a
// repeat while the first is still running gets 409. Responses that say
// "try again" (5xx, 409) are not stored. Must run after Auth.
func Idempotency(store idempotencyStore, ttl time.Duration, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			log := logging.FromContext(r.Context())

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				handler.RespondAppError(w, handler.ErrMissingIdempotencyKey, nil)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				handler.RespondAppError(w, handler.ErrInvalidIdempotencyKey, nil)
				return
			}

			userID, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				handler.RespondAppError(w, handler.ErrInvalidRequest, nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			reqHash := requestHash(r.Method, r.URL.Path, body)

			held, err := store.Reserve(r.Context(), key, userID, reqHash, time.Now().UTC().Add(ttl))
			switch {
			case errors.Is(err, domain.ErrConcurrentModification):
				handler.RespondAppError(w, handler.ErrRequestInProgress, nil)
				return
			case err != nil:
				log.Error("idempotency reserve failed", "error", err, "idempotency_key", key)
				handler.RespondAppError(w, handler.ErrInternalError, nil)
				return
			}

			if held != nil {
				switch {
				case held.RequestHash != reqHash:
					m.IncIdempotent("conflict")
					handler.RespondAppError(w, handler.ErrIdempotencyConflict, nil)
				case held.Pending():
					m.IncIdempotent("in_progress")
					handler.RespondAppError(w, handler.ErrRequestInProgress, nil)
				default:
					m.IncIdempotent("replayed")
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotent-Replayed", "true")
					w.WriteHeader(held.StatusCode)
					if _, err := w.Write(held.Body); err != nil {
						log.Error("failed to write idempotent replay", "error", err, "idempotency_key", key)
					}
				}
				return
			}

			// The outcome is stored even if the client has gone away.
			storeCtx := context.WithoutCancel(r.Context())
			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					if err := store.Release(storeCtx, key, userID); err != nil {
						log.Error("idempotency release failed", "error", err, "idempotency_key", key)
					}
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)

			if retryable(rec.statusCode) {
				if err := store.Release(storeCtx, key, userID); err != nil {
					log.Error("idempotency release failed", "error", err, "idempotency_key", key)
				}
				return
			}
			if err := store.Complete(storeCtx, key, userID, rec.statusCode, rec.body.Bytes()); err != nil {
				log.Error("idempotency store failed", "error", err, "idempotency_key", key)
			}
		})
	}
}

func retryable(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusConflict
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
