package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dialcast/dialcast/internal/api/middleware"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
)

type setupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// handleSetup creates the first operator account. It only works once; any
// further attempt is rejected so a forgotten instance cannot be taken over.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	count, err := s.adminUsers.Count(r.Context())
	if err != nil {
		s.logger.Error("setup: counting admin users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := &models.AdminUser{
		Username:     req.Username,
		PasswordHash: hash,
	}
	if err := s.adminUsers.Create(r.Context(), user); err != nil {
		s.logger.Error("setup: creating admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("operator account created", "username", user.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

// handleLogin verifies operator credentials and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	user, err := s.adminUsers.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("login: looking up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || !database.CheckPassword(req.Password, user.PasswordHash) {
		// Same response for unknown user and wrong password.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, user.ID, user.Username)
	if err != nil {
		s.logger.Error("login: signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  user.Username,
	})
}
