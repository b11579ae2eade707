package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/ccgw/ccgw/internal/errs"
)

const sessionCookieName = "cc_gw_session"

// SessionStore is the minimal cookie-session store backing the optional web
// UI auth surface. It has no grounding in the corpus beyond net/http.Cookie
// and crypto/rand: a per-process token table is all a single-tenant local
// gateway needs.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	ttl      time.Duration
	password string // plaintext; empty disables password checks (dev mode)
}

// NewSessionStore creates a store whose sessions expire after ttl. An empty
// password means any password sent to POST /api/auth/login starts a session.
func NewSessionStore(password string, ttl time.Duration) *SessionStore {
	return &SessionStore{sessions: make(map[string]time.Time), ttl: ttl, password: password}
}

func (s *SessionStore) create() (string, time.Time) {
	var raw [32]byte
	_, _ = rand.Read(raw[:])
	token := hex.EncodeToString(raw[:])
	expires := time.Now().Add(s.ttl)

	s.mu.Lock()
	s.sessions[token] = expires
	s.mu.Unlock()
	return token, expires
}

func (s *SessionStore) valid(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.sessions, token)
		return false
	}
	return true
}

func (s *SessionStore) revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func (s *SessionStore) checkPassword(provided string) bool {
	if s.password == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.password)) == 1
}

func (s *server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *server) handleAuthWeb(w http.ResponseWriter, r *http.Request) {
	cookie, _ := r.Cookie(sessionCookieName)
	authed := cookie != nil && s.deps.Sessions.valid(cookie.Value)
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": authed})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Sessions.checkPassword(req.Password) {
		writeJSON(w, http.StatusUnauthorized, errorBody(errs.KindInvalidAPIKey, "invalid password"))
		return
	}
	token, expires := s.deps.Sessions.create()
	s.setSessionCookie(w, token, expires)
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.deps.Sessions.revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}
