package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"access-service/internal/audit"
	"access-service/internal/models"
	"access-service/internal/repository"
	"access-service/internal/service"
	"access-service/internal/util"
)

const maxBodyBytes = 1 << 16

// AccessHandler serves the access-control API
type AccessHandler struct {
	accessService *service.AccessService
	auditQuerier  audit.Querier
	auditSearcher audit.Searcher
	submitLimiter *submitLimiter
	enforceAdmin  bool
	logger        *zap.Logger
}

type HandlerOption func(*AccessHandler)

// WithAuditQuerier enables GET /access/audit.
func WithAuditQuerier(q audit.Querier) HandlerOption {
	return func(h *AccessHandler) { h.auditQuerier = q }
}

// WithAuditSearcher enables GET /access/audit/search.
func WithAuditSearcher(s audit.Searcher) HandlerOption {
	return func(h *AccessHandler) { h.auditSearcher = s }
}

// WithSubmitRateLimit limits POST /access/request per client IP.
func WithSubmitRateLimit(limiter repository.RateLimiter, limit int, window time.Duration) HandlerOption {
	return func(h *AccessHandler) {
		if limiter != nil && limit > 0 && window > 0 {
			h.submitLimiter = &submitLimiter{limiter: limiter, limit: limit, window: window}
		}
	}
}

// WithAdminEnforcement requires the administrator's X-User-Email on the
// management routes.
func WithAdminEnforcement(enabled bool) HandlerOption {
	return func(h *AccessHandler) { h.enforceAdmin = enabled }
}

// NewAccessHandler creates a new access handler
func NewAccessHandler(accessService *service.AccessService, logger *zap.Logger, opts ...HandlerOption) *AccessHandler {
	h := &AccessHandler{
		accessService: accessService,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ErrorResponse is the body of every non-2xx JSON answer
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RegisterRoutes registers the access and protected routes
func (h *AccessHandler) RegisterRoutes(router chi.Router) {
	router.Route("/access", func(r chi.Router) {
		// Public routes
		r.With(h.rateLimitSubmit).Post("/request", h.SubmitAccessRequest)
		r.Get("/check/{email}", h.CheckAccess)

		// Capability links from the administrator notification
		r.Get("/quick-approve/{requestID}/{accessType}", h.QuickApprove)
		r.Get("/quick-deny/{requestID}", h.QuickDeny)

		// Management routes
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Get("/requests", h.ListRequests)
			r.Get("/requests/pending", h.ListPendingRequests)
			r.Get("/pending-count", h.CountPending)
			r.Get("/authorized", h.ListAuthorizedUsers)
			r.Get("/whitelist", h.Whitelist)
			r.Put("/approve/{requestID}", h.ApproveRequest)
			r.Put("/deny/{requestID}", h.DenyRequest)
			r.Delete("/revoke/{email}", h.RevokeAccess)
			r.Get("/audit", h.QueryAudit)
			r.Get("/audit/search", h.SearchAudit)
		})
	})

	router.Route("/protected", func(r chi.Router) {
		r.Use(h.RequireAccess)
		r.Get("/whoami", h.WhoAmI)
	})
}

type submitRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// SubmitAccessRequest handles POST /access/request
func (h *AccessHandler) SubmitAccessRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.accessService.SubmitAccessRequest(r.Context(), req.Name, req.Email, req.Reason)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, h.errorMessage(err, "Failed to submit access request"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, result)
}

// CheckAccess handles GET /access/check/{email}
func (h *AccessHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	email, err := pathParam(r, "email")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid email")
		return
	}

	status, err := h.accessService.CheckAccess(r.Context(), email)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, h.errorMessage(err, "Failed to check access"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, status)
}

func (h *AccessHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.accessService.ListRequests(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list requests")
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(requests))
}

func (h *AccessHandler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.accessService.ListPendingRequests(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list pending requests")
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(requests))
}

func (h *AccessHandler) CountPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.accessService.CountPending(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to count pending requests")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *AccessHandler) ListAuthorizedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accessService.ListAuthorizedUsers(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list authorized users")
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(users))
}

func (h *AccessHandler) Whitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.accessService.Whitelist(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to build whitelist")
		return
	}
	h.respondWithJSON(w, http.StatusOK, entries)
}

type approveRequest struct {
	AccessType string `json:"access_type"`
}

// ApproveRequest handles PUT /access/approve/{requestID}
func (h *AccessHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.accessService.ApproveRequest(r.Context(), chi.URLParam(r, "requestID"), req.AccessType)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, h.errorMessage(err, "Failed to approve request"))
		return
	}
	h.respondWithJSON(w, http.StatusOK, decisionBody(result))
}

// DenyRequest handles PUT /access/deny/{requestID}
func (h *AccessHandler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	result, err := h.accessService.DenyRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, h.errorMessage(err, "Failed to deny request"))
		return
	}
	h.respondWithJSON(w, http.StatusOK, decisionBody(result))
}

// RevokeAccess handles DELETE /access/revoke/{email}
func (h *AccessHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	email, err := pathParam(r, "email")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid email")
		return
	}

	result, err := h.accessService.RevokeAccess(r.Context(), email)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, h.errorMessage(err, "Failed to revoke access"))
		return
	}
	h.respondWithJSON(w, http.StatusOK, result)
}

// QueryAudit handles GET /access/audit?email=&action=&limit=
func (h *AccessHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditQuerier == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, errors.New("audit store not configured"), "Audit unavailable")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	events, err := h.auditQuerier.Query(r.Context(), models.AuditFilter{
		Email:  q.Get("email"),
		Action: q.Get("action"),
		Limit:  limit,
	})
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to query audit events")
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(events))
}

// SearchAudit handles GET /access/audit/search?q=&limit=
func (h *AccessHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditSearcher == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, errors.New("search index not configured"), "Audit search unavailable")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	events, err := h.auditSearcher.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to search audit events")
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(events))
}

// WhoAmI handles GET /protected/whoami
func (h *AccessHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	email, status := AccessFromContext(r.Context())
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"email":  email,
		"access": status,
	})
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *AccessHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AccessHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, ErrorResponse{Success: false, Error: err.Error(), Message: message})
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AccessHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *AccessHandler) errorMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, service.ErrRequestNotFound):
		return "Demande non trouvée"
	case errors.Is(err, service.ErrGrantNotFound):
		return "Utilisateur non trouvé"
	default:
		return fallback
	}
}

// decisionBody drops the request from the response; callers get status and message.
func decisionBody(result *service.DecisionResult) map[string]string {
	return map[string]string{"status": result.Status, "message": result.Message}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

// pathParam returns the unescaped value of a route parameter.
func pathParam(r *http.Request, name string) (string, error) {
	return url.PathUnescape(chi.URLParam(r, name))
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
