package handler

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"access-service/internal/models"
	"access-service/internal/service"
	"access-service/internal/util"
)

//go:embed templates/decision.html
var templateFS embed.FS

var decisionPage = template.Must(template.ParseFS(templateFS, "templates/decision.html"))

type decisionView struct {
	Title     string
	Message   string
	Icon      string
	Color     string
	Requester string
	ExpiresAt string
}

// QuickApprove handles GET /access/quick-approve/{requestID}/{accessType}
// @Summary Approve from a notification link
// @Produce html
// @Success 200 {string} string "Decision page"
// @Router /access/quick-approve/{requestID}/{accessType} [get]
func (h *AccessHandler) QuickApprove(w http.ResponseWriter, r *http.Request) {
	result, err := h.accessService.QuickApprove(r.Context(),
		chi.URLParam(r, "requestID"), chi.URLParam(r, "accessType"))
	if err != nil {
		h.renderDecisionError(w, err)
		return
	}
	h.renderDecision(w, http.StatusOK, decisionViewFor(result))
}

// QuickDeny handles GET /access/quick-deny/{requestID}
// @Summary Deny from a notification link
// @Produce html
// @Success 200 {string} string "Decision page"
// @Router /access/quick-deny/{requestID} [get]
func (h *AccessHandler) QuickDeny(w http.ResponseWriter, r *http.Request) {
	result, err := h.accessService.QuickDeny(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.renderDecisionError(w, err)
		return
	}
	h.renderDecision(w, http.StatusOK, decisionViewFor(result))
}

func decisionViewFor(result *service.DecisionResult) decisionView {
	view := decisionView{Message: result.Message}
	req := result.Request
	if req != nil {
		view.Requester = fmt.Sprintf("%s (%s)", req.Name, req.Email)
	}

	switch result.Status {
	case service.StatusApproved:
		view.Title, view.Icon, view.Color = "Accès accordé", "✅", "#2e7d32"
		if req != nil && req.AccessType != nil && *req.AccessType == models.AccessTemporary && req.ExpiresAt != nil {
			view.ExpiresAt = req.ExpiresAt.UTC().Format("02/01/2006 à 15:04 UTC")
		}
	case service.StatusDenied:
		view.Title, view.Icon, view.Color = "Accès refusé", "⛔", "#c62828"
	default:
		view.Title, view.Icon, view.Color = "Demande déjà traitée", "ℹ️", "#1565c0"
		if req != nil {
			view.Message = fmt.Sprintf("Cette demande a déjà été traitée (statut : %s).", req.Status)
		}
	}
	return view
}

func (h *AccessHandler) renderDecisionError(w http.ResponseWriter, err error) {
	status := h.getStatusCode(err)
	view := decisionView{Icon: "⚠️", Color: "#c62828"}

	switch {
	case errors.Is(err, service.ErrNotFound):
		view.Title, view.Message = "Demande non trouvée", "Ce lien ne correspond à aucune demande."
	case errors.Is(err, service.ErrInvalidInput):
		view.Title, view.Message = "Lien invalide", "Le type d'accès doit être permanent ou temporary."
	default:
		view.Title, view.Message = "Erreur", "La décision n'a pas pu être enregistrée. Réessayez plus tard."
		h.logger.Error("Quick decision failed", util.ErrorField(err))
	}
	h.renderDecision(w, status, view)
}

func (h *AccessHandler) renderDecision(w http.ResponseWriter, statusCode int, view decisionView) {
	var buf bytes.Buffer
	if err := decisionPage.Execute(&buf, view); err != nil {
		h.logger.Error("Failed to render decision page", util.ErrorField(err))
		http.Error(w, view.Title, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("Failed to write decision page", util.ErrorField(err))
	}
}
