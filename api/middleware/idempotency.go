package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/peermarket-backend/api/responses"
	"github.com/angelmondragon/peermarket-backend/api/validators"
	pkgerrors "github.com/angelmondragon/peermarket-backend/pkg/errors"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/peermarket-backend/pkg/redis"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255

	// pendingClaimTTL bounds how long a crashed request can block its key.
	pendingClaimTTL = 2 * time.Minute
	createOrderTTL  = 7 * 24 * time.Hour
	paymentTTL      = 24 * time.Hour
	refundTTL       = 7 * 24 * time.Hour
)

type claimState string

const (
	claimPending   claimState = "pending"
	claimCompleted claimState = "completed"
)

// idempotentAction names the order operations that demand an Idempotency-Key.
type idempotentAction struct {
	name    string
	orderID string
	ttl     time.Duration
}

// storedResponse is the redis value for one key: a pending claim while the
// first request runs, then the captured response.
type storedResponse struct {
	State       claimState `json:"state"`
	RequestHash string     `json:"request_hash"`
	Status      int        `json:"status,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Body        []byte     `json:"body,omitempty"`
}

// Idempotency guards order creation, payment intent creation and refunds.
// The first request with a key claims it; concurrent duplicates get 409 until
// it finishes, later duplicates get the stored response. Server errors drop the
// claim so the client may retry with the same key.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, ok := classifyIdempotent(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			idemKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
			switch {
			case idemKey == "":
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			case len(idemKey) > maxIdempotencyKeyLen:
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key too long").
					WithDetails(map[string]any{"max": maxIdempotencyKeyLen}))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, validators.MaxBodyBytes+1))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashRequest(body)
			key := store.IdempotencyKey(claimScope(r, action), idemKey)

			claim, _ := json.Marshal(storedResponse{State: claimPending, RequestHash: requestHash})
			claimed, err := store.SetNX(ctx, key, string(claim), pendingClaimTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !claimed {
				replayStored(w, r, store, key, requestHash, logg)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			if status >= http.StatusInternalServerError {
				if delErr := store.Del(ctx, key); delErr != nil {
					logError(ctx, logg, "release idempotency claim", delErr)
				}
				return
			}

			done, err := json.Marshal(storedResponse{
				State:       claimCompleted,
				RequestHash: requestHash,
				Status:      status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				logError(ctx, logg, "encode idempotent response", err)
				return
			}
			if setErr := store.Set(ctx, key, string(done), action.ttl); setErr != nil {
				logError(ctx, logg, "store idempotent response", setErr)
			}
		})
	}
}

func replayStored(w http.ResponseWriter, r *http.Request, store pkgredis.IdempotencyStore, key, requestHash string, logg *logger.Logger) {
	ctx := r.Context()
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// The claim expired or was released between SetNX and Get.
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "idempotent request state changed, retry"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotent response"))
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotent response"))
		return
	}
	if stored.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request body"))
		return
	}
	if stored.State == claimPending {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "a request with this idempotency key is still in progress").
			WithDetails(map[string]any{"state": "in_progress"}))
		return
	}

	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// classifyIdempotent matches POST /api/v1/orders and
// POST /api/v1/orders/{orderId}/payment|refund, with or without a trailing slash.
func classifyIdempotent(method, path string) (idempotentAction, bool) {
	if method != http.MethodPost {
		return idempotentAction{}, false
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 3 || segments[0] != "api" || segments[1] != "v1" || segments[2] != "orders" {
		return idempotentAction{}, false
	}
	switch {
	case len(segments) == 3:
		return idempotentAction{name: "create_order", ttl: createOrderTTL}, true
	case len(segments) == 5 && segments[4] == "payment":
		return idempotentAction{name: "create_payment", orderID: segments[3], ttl: paymentTTL}, true
	case len(segments) == 5 && segments[4] == "refund":
		return idempotentAction{name: "refund", orderID: segments[3], ttl: refundTTL}, true
	}
	return idempotentAction{}, false
}

// claimScope keys a claim by caller, action and order so the same client key
// can be reused safely across different orders.
func claimScope(r *http.Request, action idempotentAction) string {
	parts := []string{UserIDFromContext(r.Context()), action.name}
	if action.orderID != "" {
		parts = append(parts, action.orderID)
	}
	return strings.Join(parts, "|")
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// responseCapture tees the handler's response so it can be stored.
type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
