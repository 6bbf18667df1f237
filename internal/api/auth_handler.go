package api

import (
	"context"
	"net/http"

	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/user"
)

// UserService is the account surface used by the auth handlers.
type UserService interface {
	Signup(ctx context.Context, in user.CreateUserInput) (*user.Session, error)
	Login(ctx context.Context, email, password string) (*user.Session, error)
	Get(ctx context.Context, id string) (*user.User, error)
}

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	users UserService
}

func newAuthHandler(users UserService) *authHandler {
	return &authHandler{users: users}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Signup handles POST /auth/signup.
func (h *authHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req user.CreateUserInput
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	sess, err := h.users.Signup(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// Login handles POST /auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	sess, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Me handles GET /auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	account, err := h.users.Get(r.Context(), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}
