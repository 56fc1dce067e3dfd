package handler

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"access-service/internal/repository"
	"access-service/internal/service"
	"access-service/internal/util"
)

// UserEmailHeader carries the caller's identity on gated routes.
const UserEmailHeader = "X-User-Email"

type contextKey string

const (
	accessEmailKey  contextKey = "access_email"
	accessStatusKey contextKey = "access_status"
)

type submitLimiter struct {
	limiter repository.RateLimiter
	limit   int
	window  time.Duration
}

// rateLimitSubmit throttles access request submissions per client address.
// Limiter failures let the request through.
func (h *AccessHandler) rateLimitSubmit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.submitLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := "submit:" + clientIP(r)
		result, err := h.submitLimiter.limiter.Allow(r.Context(), key, h.submitLimiter.limit, h.submitLimiter.window)
		if err != nil {
			h.logger.Warn("Rate limiter unavailable",
				util.String("key", key),
				util.ErrorField(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		if !result.Allowed {
			retry := int(math.Ceil(result.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			h.respondWithError(w, http.StatusTooManyRequests,
				errors.New("rate limit exceeded"), "Trop de demandes, réessayez plus tard")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAdmin restricts management routes to the administrator when
// enforcement is enabled.
func (h *AccessHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enforceAdmin {
			next.ServeHTTP(w, r)
			return
		}

		email := strings.TrimSpace(r.Header.Get(UserEmailHeader))
		if email == "" {
			h.respondWithError(w, http.StatusUnauthorized,
				errors.New("missing "+UserEmailHeader+" header"), "Authentification requise")
			return
		}
		if !h.accessService.IsAdmin(email) {
			h.respondWithError(w, http.StatusForbidden,
				errors.New("administrator access required"), "Accès réservé à l'administrateur")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAccess gates a route on the caller's current access status. The
// caller is identified by the X-User-Email header.
func (h *AccessHandler) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get(UserEmailHeader))
		if email == "" {
			h.respondWithError(w, http.StatusUnauthorized,
				errors.New("missing "+UserEmailHeader+" header"), "Authentification requise")
			return
		}

		status, err := h.accessService.CheckAccess(r.Context(), email)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Failed to check access")
			return
		}
		if !status.Authorized {
			h.logger.Warn("Access denied",
				util.String("email", email),
				util.String("path", r.URL.Path),
			)
			h.respondWithJSON(w, http.StatusForbidden, status)
			return
		}

		ctx := context.WithValue(r.Context(), accessEmailKey, email)
		ctx = context.WithValue(ctx, accessStatusKey, status)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessFromContext returns what RequireAccess stored on the request.
func AccessFromContext(ctx context.Context) (string, *service.AccessStatus) {
	email, _ := ctx.Value(accessEmailKey).(string)
	status, _ := ctx.Value(accessStatusKey).(*service.AccessStatus)
	return email, status
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
