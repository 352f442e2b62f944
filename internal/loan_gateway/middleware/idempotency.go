package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader carries the client-chosen deduplication key
	IdempotencyKeyHeader = "Idempotency-Key"

	// IdempotentReplayHeader is set on responses served from the idempotency store
	IdempotentReplayHeader = "Idempotent-Replayed"

	idempotencyKeyPrefix = "idempotency:"
)

type idempotencyState string

const (
	statePending  idempotencyState = "pending"
	stateComplete idempotencyState = "complete"
)

type idempotencyRecord struct {
	State    idempotencyState `json:"state"`
	BodyHash string           `json:"body_hash"`
	Status   int              `json:"status,omitempty"`
	Body     []byte           `json:"body,omitempty"`
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency deduplicates POST requests that carry an Idempotency-Key header.
// A repeated key with the same body replays the stored response. A key reused
// with a different body, or while the first request is still running, is
// rejected with 409. Server errors release the key so the client can retry.
func Idempotency(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "BAD_REQUEST", "Failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		bodyHash := hashBody(body)
		storeKey := idempotencyKeyPrefix + c.Request.URL.Path + ":" + key
		ctx := c.Request.Context()

		reqLogger := logger
		if correlationID := GetCorrelationID(c); correlationID != "" {
			reqLogger = logger.With("correlation_id", correlationID)
		}

		pending, _ := json.Marshal(idempotencyRecord{State: statePending, BodyHash: bodyHash})
		claimed, err := client.SetNX(ctx, storeKey, pending, ttl).Result()
		if err != nil {
			reqLogger.Error("Idempotency store unavailable", "key", key, "error", err)
			abortWithError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Idempotency store unavailable")
			return
		}

		if !claimed {
			replay(c, client, storeKey, bodyHash, reqLogger)
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			if err := client.Del(ctx, storeKey).Err(); err != nil {
				reqLogger.Error("Failed to release idempotency key", "key", key, "error", err)
			}
			return
		}

		complete, _ := json.Marshal(idempotencyRecord{
			State:    stateComplete,
			BodyHash: bodyHash,
			Status:   status,
			Body:     writer.body.Bytes(),
		})
		if err := client.Set(ctx, storeKey, complete, ttl).Err(); err != nil {
			reqLogger.Error("Failed to store idempotent response", "key", key, "error", err)
		}
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func replay(c *gin.Context, client redis.Cmdable, storeKey, bodyHash string, logger *slog.Logger) {
	raw, err := client.Get(c.Request.Context(), storeKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			abortWithError(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Request with this idempotency key is in progress")
			return
		}
		logger.Error("Idempotency store unavailable", "error", err)
		abortWithError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Idempotency store unavailable")
		return
	}

	var record idempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		logger.Error("Corrupt idempotency record", "error", err)
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "An internal server error occurred")
		return
	}

	switch {
	case record.BodyHash != bodyHash:
		abortWithError(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key reused with a different request body")
	case record.State == statePending:
		abortWithError(c, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Request with this idempotency key is in progress")
	default:
		logger.Info("Replaying idempotent response", "status", record.Status)
		c.Header(IdempotentReplayHeader, "true")
		c.Data(record.Status, "application/json; charset=utf-8", record.Body)
		c.Abort()
	}
}
