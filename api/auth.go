package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"

	"omroncip/config"
)

const (
	sessionName    = "omroncip_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

// sessionStore keeps the logged-in user in a signed cookie.
type sessionStore struct {
	store *sessions.CookieStore
}

// newSessionStore creates a session store keyed by the base64 secret, or by a
// random key when the secret is missing or short.
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get retrieves the session. Stale cookies (e.g. after a secret change) yield a
// decode error but still a usable empty session, so the error is ignored.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

// getUser returns the username and role from the session.
func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

// setUser stores the username and role in the session.
func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

// clear removes the user from the session.
func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// authEnabled reports whether any API users are configured. With no users the
// API is open, including writes.
func (s *Server) authEnabled() bool {
	return len(s.config.Users) > 0
}

func (s *Server) findUser(username string) *config.APIUser {
	for i := range s.config.Users {
		if s.config.Users[i].Username == username {
			return &s.config.Users[i]
		}
	}
	return nil
}

// requireAdmin rejects requests without an admin session when auth is enabled.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		username, role, ok := s.sessions.getUser(r)
		if !ok || s.findUser(username) == nil {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		if role != config.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginRequest is the JSON body for /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user := s.findUser(req.Username)
	if user == nil || !user.CheckPassword(req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := s.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": user.Username, "role": user.Role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
