package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/odvcencio/zenspace/pkg/auth"
	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/storage"
)

const msgInvalidCredentials = "Invalid Credentials"

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c credentials) validate() error {
	var verr *apperrors.Error
	add := func(field, msg string) {
		if verr == nil {
			verr = apperrors.New(apperrors.ErrCodeValidation, "Validation failed")
		}
		verr.WithField(field, msg)
	}
	email := storage.NormalizeEmail(c.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		add("email", "Email must be a valid email address")
	}
	if len(c.Password) < auth.MinPasswordLength {
		add("password", "Password must be at least 8 characters long")
	}
	if verr == nil {
		return nil
	}
	return verr
}

type authResponse struct {
	User  *storage.User `json:"user"`
	Token string        `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeOrReject(w, r, &req, maxBodyBytesTiny) {
		return
	}
	if err := req.validate(); err != nil {
		respondAppError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not register user"))
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, hash)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeConflict, "Email already registered").
				WithField("email", "Email already registered"))
			return
		}
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not register user"))
		return
	}

	s.issueSession(w, r, user, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeOrReject(w, r, &req, maxBodyBytesTiny) {
		return
	}
	if err := req.validate(); err != nil {
		respondAppError(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not log in"))
		return
	}
	if user == nil {
		respondAppError(w, apperrors.New(apperrors.ErrCodeAuthentication, msgInvalidCredentials))
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.logger.Info(logging.CategoryAuth, "login_failed", "password mismatch", map[string]any{"user": user.ID})
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeAuthentication, msgInvalidCredentials))
		return
	}

	s.issueSession(w, r, user, http.StatusOK)
}

func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, user *storage.User, status int) {
	token, claims, err := s.tokens.Issue(auth.Identity{UserID: user.ID, Email: user.Email})
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not issue token"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  claims.ExpiresAt.Time,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure || isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, status, authResponse{User: user, Token: token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"user": claims.Identity()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Revoke(r.Context(), requestToken(r)); err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not log out"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure || isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	users, err := s.store.ListUsersExcept(r.Context(), claims.UserID)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "could not list users"))
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

// trimmed returns the non-empty, trimmed entries of values in order.
func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
