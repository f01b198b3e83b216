package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BytePhi0/edulearn/internal/domain"
	"github.com/BytePhi0/edulearn/internal/repository"
	"github.com/BytePhi0/edulearn/internal/service"
	"github.com/BytePhi0/edulearn/pkg/auth"
	"github.com/BytePhi0/edulearn/pkg/config"
	"github.com/BytePhi0/edulearn/pkg/logger"
)

const (
	// pendingCookie carries the opaque id of the staged pending
	// session between the credentials step and the OTP step.
	pendingCookie = "otp_session"

	// tokenCookie carries the issued session JWT.
	tokenCookie = "token"
)

type claimsKey struct{}

type Handlers struct {
	authService   service.AuthService
	rateLimitRepo repository.RateLimitRepository
	config        *config.Config
}

func New(
	authService service.AuthService,
	rateLimitRepo repository.RateLimitRepository,
	config *config.Config,
) *Handlers {
	return &Handlers{
		authService:   authService,
		rateLimitRepo: rateLimitRepo,
		config:        config,
	}
}

// Middleware for JWT authentication
func (h *Handlers) RequireJWT(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerOrCookieToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Missing credentials", "UNAUTHORIZED")
				return
			}

			claims, err := auth.Parse(token, h.config.Auth.JWTSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", "INVALID_TOKEN")
				return
			}

			if requiredRole != "" && claims.Role != requiredRole && claims.Role != domain.RoleAdmin {
				writeError(w, http.StatusForbidden, "Insufficient permissions", "FORBIDDEN")
				return
			}

			ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit applies a fixed-window limit keyed by client IP.
func (h *Handlers) RateLimit(name string, requests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := name + ":" + getClientIP(r)

			allowed, err := h.rateLimitRepo.CheckRateLimit(r.Context(), key, requests, window)
			if err != nil {
				logger.ErrorContext(r.Context(), "Rate limit check failed", "error", err)
				// Allow request on error (fail open)
			} else if !allowed {
				writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", "RATE_LIMIT_EXCEEDED")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeDomainError is the single policy table mapping internal failure
// reasons to external responses. Collapsed causes stay collapsed here:
// the handler layer never re-inspects why a credential or code failed.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case errors.Is(err, domain.ErrDuplicateUser):
		writeError(w, http.StatusConflict, "User already exists", "DUPLICATE_USER")
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "INVALID_CREDENTIALS")
	case errors.Is(err, domain.ErrInvalidOrExpiredOTP):
		writeError(w, http.StatusUnauthorized, "Invalid or expired verification code", "INVALID_OTP")
	case errors.Is(err, domain.ErrSessionExpired):
		writeError(w, http.StatusBadRequest, "Session expired. Please restart the flow.", "SESSION_EXPIRED")
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found", "NOT_FOUND")
	default:
		logger.ErrorContext(r.Context(), "Unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
	}
}

// Helper functions
func getClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims
	}
	return nil
}

func bearerOrCookieToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	response := map[string]string{
		"error": message,
		"code":  code,
	}
	writeJSON(w, statusCode, response)
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}
