package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	apierrors "github.com/CedrosPay/facilitator/internal/errors"
	"github.com/CedrosPay/facilitator/internal/logger"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

const (
	// HeaderKey is the standard idempotency key header.
	HeaderKey = "Idempotency-Key"

	// ReplayHeader marks a response served from the cache.
	ReplayHeader = "X-Idempotency-Replay"

	// DefaultTTL is the default cache duration for idempotent responses.
	DefaultTTL = 24 * time.Hour

	maxBodyBytes = 1 << 20
)

// CacheablePredicate decides whether a completed response may be replayed.
type CacheablePredicate func(statusCode int, body []byte) bool

// Success2xx caches every 2xx response.
func Success2xx(statusCode int, _ []byte) bool {
	return statusCode >= 200 && statusCode < 300
}

type options struct {
	metrics   *metrics.Metrics
	cacheable CacheablePredicate
}

// Option customizes the middleware.
type Option func(*options)

// WithMetrics counts replays.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCacheable overrides which responses are stored.
func WithCacheable(p CacheablePredicate) Option {
	return func(o *options) { o.cacheable = p }
}

// responseWriter captures the status and body written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) headers() map[string]string {
	out := make(map[string]string, len(rw.Header()))
	for key := range rw.Header() {
		out[key] = rw.Header().Get(key)
	}
	return out
}

// inflight tracks keys whose first request is still being processed.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

// Middleware replays the first stored response for a repeated Idempotency-Key.
// Keys are scoped by method and path. A concurrent request with a key still in
// progress gets 409, and reuse of a key with a different body gets 422.
func Middleware(store Store, ttl time.Duration, opts ...Option) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := options{cacheable: Success2xx}
	for _, opt := range opts {
		opt(&o)
	}
	pending := &inflight{keys: make(map[string]struct{})}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidJSON, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := fingerprintOf(body)

			key := r.Method + ":" + r.URL.Path + ":" + rawKey
			log := logger.FromContext(r.Context())

			if cached, found := store.Get(r.Context(), key); found {
				if cached.Fingerprint != fingerprint {
					apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyReuse, "idempotency key was used with a different request body")
					return
				}
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				o.metrics.ObserveIdempotencyReplay()
				log.Debug().Str("idempotency_key", rawKey).Msg("idempotency.replayed")
				return
			}

			if !pending.acquire(key) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeRequestInProgress, "a request with this idempotency key is in progress")
				return
			}
			defer pending.release(key)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if !o.cacheable(rw.statusCode, rw.body.Bytes()) {
				return
			}
			response := &Response{
				StatusCode:  rw.statusCode,
				Headers:     rw.headers(),
				Body:        append([]byte(nil), rw.body.Bytes()...),
				Fingerprint: fingerprint,
				CachedAt:    time.Now(),
			}
			if err := store.Set(r.Context(), key, response, ttl); err != nil {
				log.Warn().Err(err).Str("idempotency_key", rawKey).Msg("idempotency.store_failed")
			}
		})
	}
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
