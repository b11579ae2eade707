package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStore_CreateAndValid(t *testing.T) {
	s := NewSessionStore("", time.Hour)
	token, _ := s.create()
	require.True(t, s.valid(token))
	require.False(t, s.valid("bogus"))
	require.False(t, s.valid(""))
}

func TestSessionStore_ExpiresAfterTTL(t *testing.T) {
	s := NewSessionStore("", time.Millisecond)
	token, _ := s.create()
	time.Sleep(5 * time.Millisecond)
	require.False(t, s.valid(token))
}

func TestSessionStore_Revoke(t *testing.T) {
	s := NewSessionStore("", time.Hour)
	token, _ := s.create()
	s.revoke(token)
	require.False(t, s.valid(token))
}

func TestSessionStore_CheckPassword_EmptyDisables(t *testing.T) {
	s := NewSessionStore("", time.Hour)
	require.True(t, s.checkPassword("anything"))
}

func TestSessionStore_CheckPassword(t *testing.T) {
	s := NewSessionStore("secret", time.Hour)
	require.True(t, s.checkPassword("secret"))
	require.False(t, s.checkPassword("wrong"))
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	srv := &server{deps: Deps{Sessions: NewSessionStore("secret", time.Hour)}}
	body := bytes.NewBufferString(`{"password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec := httptest.NewRecorder()

	srv.handleLogin(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLogin_CorrectPasswordSetsCookie(t *testing.T) {
	srv := &server{deps: Deps{Sessions: NewSessionStore("secret", time.Hour)}}
	body := bytes.NewBufferString(`{"password":"secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec := httptest.NewRecorder()

	srv.handleLogin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, sessionCookieName, cookies[0].Name)
	require.True(t, srv.deps.Sessions.valid(cookies[0].Value))
}

func TestHandleAuthWeb_NoCookie(t *testing.T) {
	srv := &server{deps: Deps{Sessions: NewSessionStore("", time.Hour)}}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/web", nil)
	rec := httptest.NewRecorder()

	srv.handleAuthWeb(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"authenticated":false`)
}

func TestHandleAuthWeb_ValidCookie(t *testing.T) {
	sessions := NewSessionStore("", time.Hour)
	token, expires := sessions.create()
	srv := &server{deps: Deps{Sessions: sessions}}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/web", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token, Expires: expires})
	rec := httptest.NewRecorder()

	srv.handleAuthWeb(rec, req)

	require.Contains(t, rec.Body.String(), `"authenticated":true`)
}

func TestHandleLogout_RevokesSession(t *testing.T) {
	sessions := NewSessionStore("", time.Hour)
	token, expires := sessions.create()
	srv := &server{deps: Deps{Sessions: sessions}}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token, Expires: expires})
	rec := httptest.NewRecorder()

	srv.handleLogout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, sessions.valid(token))
}
