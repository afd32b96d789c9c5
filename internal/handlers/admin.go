package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/truststaff/apiserver/internal/metrics"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

// MetricsSource produces the counter snapshot shown to admins.
type MetricsSource interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

// AdminHandler serves verification review and account blocking.
type AdminHandler struct {
	accounts *services.AccountService
	metrics  MetricsSource
	logger   *zap.Logger
}

func NewAdminHandler(accounts *services.AccountService, metrics MetricsSource, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{accounts: accounts, metrics: metrics, logger: logger}
}

// AdminRouter registers review routes. Only admins and superadmins see them.
func AdminRouter(r chi.Router, handler *AdminHandler, sessions *Sessions) {
	r.Use(sessions.Required, RequireRole(types.RoleAdmin, types.RoleSuperadmin))
	r.Get("/review", handler.ListPending)
	r.Post("/approve/{userID}", handler.Approve)
	r.Post("/reject/{userID}", handler.Reject)
	r.Get("/document/{userID}", handler.Document)
	r.Get("/metrics", handler.Metrics)
}

// SuperadminRouter registers blocking routes. Only superadmins see them.
func SuperadminRouter(r chi.Router, handler *AdminHandler, sessions *Sessions) {
	r.Use(sessions.Required, RequireRole(types.RoleSuperadmin))
	r.Post("/block/{userID}", handler.Block)
	r.Post("/unblock/{userID}", handler.Unblock)
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type PendingListResponse struct {
	Items []types.User `json:"items"`
	Total int          `json:"total"`
}

func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	users, err := h.accounts.ListPending(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingListResponse{Items: users, Total: len(users)})
}

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "approved", func(ctx context.Context, actor types.User, id int) error {
		return h.accounts.Approve(ctx, actor, id)
	})
}

func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.act(w, r, "rejected", func(ctx context.Context, actor types.User, id int) error {
		return h.accounts.Reject(ctx, actor, id, req.Reason)
	})
}

func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "blocked", func(ctx context.Context, actor types.User, id int) error {
		return h.accounts.Block(ctx, actor, id)
	})
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "unblocked", func(ctx context.Context, actor types.User, id int) error {
		return h.accounts.Unblock(ctx, actor, id)
	})
}

func (h *AdminHandler) act(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, types.User, int) error) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := userFromContext(r.Context())
	if err := fn(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// Document streams the identity document a user submitted.
func (h *AdminHandler) Document(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := userFromContext(r.Context())
	rc, contentType, err := h.accounts.OpenDocument(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "inline; filename=\"document-"+strconv.Itoa(id)+"\"")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("document stream interrupted", zap.Int("user_id", id), zap.Error(err))
	}
}

func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
