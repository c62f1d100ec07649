// Package httpapi: REST API группового бронирования на gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/admission"
	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/booking"
	"github.com/vladislavdragonenkov/groupbooking/internal/telemetry"
)

// BookingService: сценарии, которые обслуживает API.
type BookingService interface {
	CreateGroup(ctx context.Context, caller booking.Caller, in booking.CreateGroupInput) (domain.Group, error)
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	JoinGroup(ctx context.Context, caller booking.Caller, groupID string, partySize int) (admission.JoinResult, error)
	LeaveGroup(ctx context.Context, caller booking.Caller, groupID string) (domain.Group, error)
	ListParticipants(ctx context.Context, groupID string) ([]domain.Participant, error)
	CreateInvite(ctx context.Context, groupID string) (booking.Invite, error)
	ResolveInvite(ctx context.Context, code string) (domain.Group, error)
	CancelGroup(ctx context.Context, caller booking.Caller, groupID, reason string) (domain.Group, error)
	ConfirmGroup(ctx context.Context, caller booking.Caller, groupID string) (domain.Group, error)
}

// Options задаёт параметры роутера.
type Options struct {
	Auth           AuthConfig
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	Clock          domain.Clock
	Logger         *log.Entry
	Tracing        bool
}

type handler struct {
	svc    BookingService
	logger *log.Entry
}

// NewRouter собирает gin.Engine со всеми маршрутами API.
func NewRouter(svc BookingService, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "http-api")
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}

	h := &handler{svc: svc, logger: opts.Logger}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Tracing {
		router.Use(telemetry.GinMiddleware())
	}
	router.Use(requestLogger(opts.Logger))

	auth := requireCaller(opts.Auth)

	router.POST("/groups", auth, withIdempotency(opts.Idempotency, opts.Clock, opts.IdempotencyTTL, opts.Logger), h.createGroup)
	router.GET("/groups/:id", h.getGroup)
	router.POST("/groups/:id/join", auth, h.joinGroup)
	router.DELETE("/groups/:id/participants/me", auth, h.leaveGroup)
	router.GET("/groups/:id/participants", h.listParticipants)
	router.POST("/groups/:id/invite", auth, h.createInvite)
	router.POST("/groups/:id/cancel", auth, h.cancelGroup)
	router.POST("/groups/:id/confirm", auth, h.confirmGroup)
	router.GET("/invite/:code", h.resolveInvite)

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})

	return router
}

func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"route":    c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if traceID, ok := c.Get("trace_id"); ok {
			entry = entry.WithField("trace_id", traceID)
		}
		if c.Writer.Status() >= 500 {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	}
}
