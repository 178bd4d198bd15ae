package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/auth"
	"github.com/kiwari-pos/terminal/internal/config"
	"github.com/kiwari-pos/terminal/internal/enum"
)

// AuthHandler issues operator session tokens after a PIN check.
type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", h.Login)
}

type loginRequest struct {
	Role string `json:"role"`
	PIN  string `json:"pin"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var hash string
	switch req.Role {
	case enum.OperatorRoleManager:
		hash = h.cfg.ManagerPINHash
	case enum.OperatorRoleCashier:
		hash = h.cfg.CashierPINHash
	default:
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	if hash == "" || !auth.VerifyPIN(hash, req.PIN) {
		writeError(w, http.StatusUnauthorized, "invalid PIN")
		return
	}

	token, err := auth.GenerateToken(h.cfg.JWTSecret, uuid.New(), req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: req.Role})
}
