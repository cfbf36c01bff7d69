package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshmind/referee/pkg/effects"
)

// defaultReplayTTL is the deduplication window per idempotency key: it bounds
// how long an uncommitted claim blocks duplicates and how long a committed
// response replays before the key becomes claimable again.
const defaultReplayTTL = 24 * time.Hour

// cachedResponse is a previously-seen response stored for idempotent replay.
type cachedResponse struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware ensures mutating requests carrying an
// Idempotency-Key header are processed exactly once per key. Duplicates of a
// committed request replay the cached response; duplicates of an in-flight
// request are rejected with 409.
func IdempotencyMiddleware(ledger effects.Ledger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			claim, err := ledger.Claim(r.Context(), "http:"+key, defaultReplayTTL)
			if err != nil {
				WriteInternal(w, r, err)
				return
			}

			switch claim.Status {
			case effects.StatusDuplicate:
				var cached cachedResponse
				if err := json.Unmarshal(claim.Result, &cached); err != nil {
					WriteInternal(w, r, err)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			case effects.StatusDuplicateInFlight:
				WriteConflict(w, r, "duplicate_in_flight", "A request with this idempotency key is already in flight")
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Only successful responses replay; errors release the key so the
			// client can retry. The response is already on the wire here, a
			// ledger failure can only be logged.
			ctx := context.WithoutCancel(r.Context())
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				result, err := json.Marshal(cachedResponse{StatusCode: capture.statusCode, Body: capture.body.Bytes()})
				if err == nil {
					err = ledger.Commit(ctx, "http:"+key, result)
				}
				if err != nil {
					slog.Error("failed to store idempotent response", "key", key, "error", err)
				}
				return
			}
			_ = ledger.Fail(ctx, "http:"+key)
		})
	}
}
