package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/groupbooking/internal/service/booking"
)

const (
	callerKey = "caller"

	// HeaderUserID используется, когда JWT-секрет не задан (локальная разработка).
	HeaderUserID = "X-User-ID"
	// HeaderUserRole передаёт роль вместе с HeaderUserID.
	HeaderUserRole = "X-User-Role"
)

// AuthConfig задаёт проверку вызывающего.
type AuthConfig struct {
	// JWTSecret: HMAC-секрет. Пустой секрет включает доверие заголовкам X-User-*.
	JWTSecret string
	// Issuer проверяется, если задан.
	Issuer string
}

// Claims: поля токена, которые читает сервис.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// requireCaller извлекает пользователя из Bearer-токена или заголовков.
func requireCaller(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := authenticate(cfg, c.Request)
		if err != nil {
			respondError(c, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func authenticate(cfg AuthConfig, r *http.Request) (booking.Caller, error) {
	if cfg.JWTSecret == "" {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			return booking.Caller{}, errors.New("X-User-ID header is required")
		}
		return booking.Caller{UserID: userID, Role: strings.TrimSpace(r.Header.Get(HeaderUserRole))}, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return booking.Caller{}, errors.New("bearer token is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return booking.Caller{}, fmt.Errorf("invalid token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return booking.Caller{}, errors.New("token subject is empty")
	}

	return booking.Caller{UserID: claims.Subject, Role: claims.Role}, nil
}

func callerFrom(c *gin.Context) booking.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(booking.Caller); ok {
			return caller
		}
	}
	return booking.Caller{}
}
