package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/voluteio/volute/internal/state"
)

const sessionCookie = "volute_session"

// identity is the authenticated caller of a request. The daemon bearer
// token maps to a synthetic identity with UserID 0 that bypasses
// conversation-participant checks.
type identity struct {
	User   *state.User
	Daemon bool
}

// UserID returns the caller's user id; 0 for the daemon identity.
func (id identity) UserID() int64 {
	if id.Daemon || id.User == nil {
		return 0
	}
	return id.User.ID
}

type ctxKey int

const identityKey ctxKey = 0

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identityFrom(r *http.Request) identity {
	if id, ok := r.Context().Value(identityKey).(identity); ok {
		return id
	}
	return identity{}
}

// authMiddleware authenticates via bearer token or session cookie, enforces
// the CSRF origin check on mutating requests, and locks out accounts still
// pending admin approval.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.auth(next, false)
}

// authAllowPending admits pending accounts, for the routes a user needs
// while waiting for promotion (whoami, logout).
func (s *Server) authAllowPending(next http.HandlerFunc) http.HandlerFunc {
	return s.auth(next, true)
}

func (s *Server) auth(next http.HandlerFunc, allowPending bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.resolveIdentity(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !allowPending && id.User != nil && id.User.Role == state.RolePending {
			writeError(w, http.StatusForbidden, "account pending approval")
			return
		}
		if !s.checkOrigin(r, id) {
			writeError(w, http.StatusForbidden, "origin mismatch")
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), id)))
	}
}

func (s *Server) resolveIdentity(r *http.Request) (identity, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != "" && token == s.cfg.Token {
			return identity{Daemon: true}, true
		}
		return identity{}, false
	}

	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return identity{}, false
	}
	user, err := s.store.GetSessionUser(cookie.Value)
	if err != nil {
		return identity{}, false
	}
	return identity{User: user}, true
}

// checkOrigin requires mutating browser requests to come from the daemon's
// own origin. Token clients (CLI, connectors) don't send Origin.
func (s *Server) checkOrigin(r *http.Request, id identity) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	if id.Daemon {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == s.cfg.Origin() {
		return true
	}
	// Session-cookie mutations must carry the daemon's own origin. Requests
	// that have not established identity yet (register, login) may omit it.
	if origin == "" && id.User == nil {
		return true
	}
	slog.Warn("csrf origin rejected", "origin", origin, "want", s.cfg.Origin())
	return false
}

// requireAdmin passes the daemon identity and admin accounts.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id := identityFrom(r)
	if id.Daemon || (id.User != nil && id.User.Role == state.RoleAdmin) {
		return true
	}
	writeError(w, http.StatusForbidden, "admin required")
	return false
}

// handlePromoteUser lifts a pending account into a full role.
func (s *Server) handlePromoteUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req struct {
		Role string `json:"role,omitempty"`
	}
	decodeBody(r, &req) // empty body promotes to the default role
	role := req.Role
	if role == "" {
		role = state.RoleUser
	}
	if role != state.RoleUser && role != state.RoleAdmin {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	user, err := s.store.GetUserByUsername(r.PathValue("username"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := s.store.SetUserRole(user.ID, role); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user.Role = role
	slog.Info("user promoted", "user", user.Username, "role", role)
	writeJSON(w, http.StatusOK, user)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := s.store.RegisterUser(creds.Username, creds.Password)
	if err != nil {
		if errors.Is(err, state.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.issueSession(w, user)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var creds credentials
	if err := decodeBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.store.Authenticate(creds.Username, creds.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueSession(w, user)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.store.DeleteSession(cookie.Value)
	}
	if id := identityFrom(r); id.User != nil {
		s.clearTyping(id.User.Username)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Daemon {
		writeJSON(w, http.StatusOK, map[string]any{"daemon": true, "id": 0})
		return
	}
	writeJSON(w, http.StatusOK, id.User)
}

func (s *Server) issueSession(w http.ResponseWriter, user *state.User) {
	sid, err := s.store.CreateSession(user.ID, time.Now().UnixMilli())
	if err != nil {
		slog.Error("session create failed", "user", user.Username, "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// newLoginLimiter allows a small steady rate of login attempts with a burst.
func newLoginLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 10)
}
