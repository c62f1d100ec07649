package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

// Машинные коды ошибок в ответах API.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeGroupNotFound      = "GROUP_NOT_FOUND"
	CodeParticipantMissing = "PARTICIPANT_NOT_FOUND"
	CodeInvalidCode        = "INVALID_CODE"
	CodeGroupNotJoinable   = "GROUP_NOT_JOINABLE"
	CodeGroupExpired       = "GROUP_EXPIRED"
	CodeLeaveNotAllowed    = "LEAVE_NOT_ALLOWED"
	CodeMinimumNotMet      = "MINIMUM_NOT_MET"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeGroupBusy          = "GROUP_BUSY"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeCodeSpaceExhausted = "CODE_SPACE_EXHAUSTED"
	CodeIdempotencyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeRequestInProgress  = "REQUEST_IN_PROGRESS"
	CodeInternal           = "INTERNAL_ERROR"
)

const genericInternalMessage = "something went wrong, please try again"

// Envelope: формат всех ответов API.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody описывает ошибку для клиента.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
	})
}

type errorMapping struct {
	target  error
	status  int
	code    string
	retry   bool
	generic bool
}

var errorMappings = []errorMapping{
	{target: domain.ErrValidation, status: http.StatusBadRequest, code: CodeValidation},
	{target: domain.ErrForbidden, status: http.StatusForbidden, code: CodeForbidden},
	{target: domain.ErrGroupNotFound, status: http.StatusNotFound, code: CodeGroupNotFound},
	{target: domain.ErrParticipantNotFound, status: http.StatusNotFound, code: CodeParticipantMissing},
	{target: domain.ErrInvalidCode, status: http.StatusNotFound, code: CodeInvalidCode},
	{target: domain.ErrGroupExpired, status: http.StatusConflict, code: CodeGroupExpired},
	{target: domain.ErrGroupNotJoinable, status: http.StatusConflict, code: CodeGroupNotJoinable},
	{target: domain.ErrLeaveNotAllowed, status: http.StatusConflict, code: CodeLeaveNotAllowed},
	{target: domain.ErrMinimumNotMet, status: http.StatusConflict, code: CodeMinimumNotMet},
	{target: domain.ErrInvalidTransition, status: http.StatusConflict, code: CodeInvalidTransition},
	{target: domain.ErrGroupBusy, status: http.StatusServiceUnavailable, code: CodeGroupBusy, retry: true},
	{target: domain.ErrStoreUnavailable, status: http.StatusServiceUnavailable, code: CodeStoreUnavailable, retry: true, generic: true},
	{target: domain.ErrCodeSpaceExhausted, status: http.StatusServiceUnavailable, code: CodeCodeSpaceExhausted, retry: true},
	{target: domain.ErrCapacityExceeded, status: http.StatusInternalServerError, code: CodeInternal, generic: true},
}

// writeDomainError переводит ошибку домена в HTTP-ответ.
// Нарушения инвариантов и неизвестные ошибки клиенту не раскрываются.
func writeDomainError(c *gin.Context, logger *log.Entry, err error) {
	_ = c.Error(err)

	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.retry {
			c.Header("Retry-After", "1")
		}
		message := err.Error()
		if m.generic {
			message = genericInternalMessage
		}
		if m.status >= http.StatusInternalServerError {
			logger.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
		}
		respondError(c, m.status, m.code, message)
		return
	}

	if errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		respondError(c, http.StatusUnprocessableEntity, CodeIdempotencyReused, "idempotency key is already used with a different request payload")
		return
	}

	logger.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
	respondError(c, http.StatusInternalServerError, CodeInternal, genericInternalMessage)
}
