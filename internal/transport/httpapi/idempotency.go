package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	// HeaderIdempotencyKey: необязательный ключ повторной отправки POST /groups.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется, когда ответ взят из кеша.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotentBody     = 1 << 20
)

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// withIdempotency сохраняет ответ по (пользователь, Idempotency-Key) и отдаёт его при повторе.
// Тот же ключ с другим телом запроса отклоняется с 422.
func withIdempotency(repo domain.IdempotencyRepository, clock domain.Clock, ttl time.Duration, logger *log.Entry) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return func(c *gin.Context) {
		rawKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if repo == nil || rawKey == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIdempotentBody))
		if err != nil {
			respondError(c, http.StatusBadRequest, CodeValidation, "failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller := callerFrom(c)
		key := domain.ScopedIdempotencyKey(caller.UserID, rawKey)
		hash := requestHash(c.Request.Method, c.FullPath(), body)

		record, err := repo.CreateProcessing(key, hash, clock.Now().Add(ttl))
		if err != nil {
			replayIdempotent(c, logger, record, err)
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		store := repo.MarkDone
		if status >= http.StatusBadRequest {
			store = repo.MarkFailed
		}
		if err := store(key, writer.body.Bytes(), status); err != nil {
			logger.WithError(err).WithField("idempotency_key", rawKey).Warn("failed to store idempotent response")
		}
	}
}

func replayIdempotent(c *gin.Context, logger *log.Entry, record domain.IdempotencyRecord, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		respondError(c, http.StatusUnprocessableEntity, CodeIdempotencyReused, "idempotency key is already used with a different request payload")
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Replayable() {
			respondError(c, http.StatusConflict, CodeRequestInProgress, "request with the same idempotency key is still processing")
			return
		}
		c.Header(HeaderIdempotentReplay, "true")
		c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
		c.Abort()
	default:
		logger.WithError(err).Warn("failed to create idempotency record")
		respondError(c, http.StatusInternalServerError, CodeInternal, genericInternalMessage)
	}
}

func requestHash(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(route))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
