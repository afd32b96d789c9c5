package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

const (
	maxMultipartMemory = 8 << 20
	multipartOverhead  = 1 << 20
	formFieldCompany   = "company_name"
	formFieldCity      = "city"
	formFieldTaxID     = "tax_id"
	formFieldDocument  = "document"
)

// AccountHandler serves registration, password recovery and onboarding.
type AccountHandler struct {
	accounts         *services.AccountService
	auth             *services.AuthService
	maxDocumentBytes int64
	logger           *zap.Logger
}

func NewAccountHandler(accounts *services.AccountService, auth *services.AuthService, maxDocumentBytes int64, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:         accounts,
		auth:             auth,
		maxDocumentBytes: maxDocumentBytes,
		logger:           logger,
	}
}

// AccountRouter registers account routes on the given router.
func AccountRouter(r chi.Router, handler *AccountHandler, sessions *Sessions) {
	r.Post("/register", handler.Register)
	r.Get("/verify", handler.VerifyEmail)
	r.Post("/forgot-password", handler.ForgotPassword)
	r.Post("/reset-password", handler.ResetPassword)
	r.With(sessions.Required).Get("/onboarding", handler.GetOnboarding)
	r.With(sessions.Required).Post("/onboarding", handler.SubmitOnboarding)
	r.With(sessions.Approved).Get("/employer", handler.Employer)
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Status string `json:"status"`
	Email  string `json:"email"`
}

type OnboardingResponse struct {
	VerificationStatus types.VerificationStatus `json:"verification_status"`
	RejectionReason    *string                  `json:"rejection_reason,omitempty"`
	CompanyName        string                   `json:"company_name,omitempty"`
	City               string                   `json:"city,omitempty"`
	TaxID              string                   `json:"tax_id,omitempty"`
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pending, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Status: "verification_sent", Email: pending.Email})
}

func (h *AccountHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ForgotPassword answers identically for known and unknown addresses.
func (h *AccountHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.auth.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	switch outcome {
	case services.ResetSent, services.ResetNoOp:
		writeJSON(w, http.StatusAccepted, StatusResponse{Status: "reset_link_sent"})
	default:
		writeServiceError(w, r, h.logger, fmt.Errorf("unknown reset outcome %d", outcome))
	}
}

func (h *AccountHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "password_reset"})
}

func (h *AccountHandler) GetOnboarding(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, OnboardingResponse{
		VerificationStatus: user.VerificationStatus,
		RejectionReason:    user.RejectionReason,
		CompanyName:        user.CompanyName,
		City:               user.City,
		TaxID:              user.TaxID,
	})
}

// SubmitOnboarding accepts a multipart form with the company fields and the
// identity document.
func (h *AccountHandler) SubmitOnboarding(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxDocumentBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("must be at most %d MB", h.maxDocumentBytes>>20),
				Field: formFieldDocument,
			})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := services.OnboardingForm{
		CompanyName: strings.TrimSpace(r.FormValue(formFieldCompany)),
		City:        strings.TrimSpace(r.FormValue(formFieldCity)),
		TaxID:       strings.TrimSpace(r.FormValue(formFieldTaxID)),
	}
	file, header, err := r.FormFile(formFieldDocument)
	switch {
	case err == nil:
		defer file.Close()
		form.Document = file
		form.DocumentName = header.Filename
		form.DocumentSize = header.Size
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeError(w, http.StatusBadRequest, "invalid document upload")
		return
	}

	outcome, err := h.accounts.SubmitOnboarding(r.Context(), user.ID, form)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	switch outcome {
	case services.OnboardingSubmitted:
		writeJSON(w, http.StatusAccepted, StatusResponse{Status: string(types.StatusPending)})
	case services.OnboardingAlreadyPending:
		writeJSON(w, http.StatusOK, StatusResponse{Status: string(types.StatusPending)})
	case services.OnboardingAlreadyApproved:
		writeJSON(w, http.StatusOK, StatusResponse{Status: string(types.StatusApproved)})
	default:
		writeServiceError(w, r, h.logger, fmt.Errorf("unknown onboarding outcome %d", outcome))
	}
}

// Employer is the landing resource of approved employers.
func (h *AccountHandler) Employer(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
