package slinkgin_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	slinkgin "github.com/pilab-dev/shadow-link/api/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionSecret = []byte(strings.Repeat("k", 32))

func TestNewJWTSession_Validation(t *testing.T) {
	_, err := slinkgin.NewJWTSession([]byte("short"), time.Hour, false)
	assert.Error(t, err)

	_, err = slinkgin.NewJWTSession(sessionSecret, 0, false)
	assert.Error(t, err)
}

func TestJWTSession_EstablishThenRead(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, err := slinkgin.NewJWTSession(sessionSecret, time.Hour, true)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, s.EstablishSession(c, "user-1"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "slink_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = req

	userID, ok := s.CurrentUserID(c2)
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)
}

func TestJWTSession_BearerToken(t *testing.T) {
	s, err := slinkgin.NewJWTSession(sessionSecret, time.Hour, false)
	require.NoError(t, err)

	token, err := s.Issue("user-2")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	userID, ok := s.CurrentUserID(c)
	assert.True(t, ok)
	assert.Equal(t, "user-2", userID)
}

func TestJWTSession_RejectsForeignSignature(t *testing.T) {
	issuer, err := slinkgin.NewJWTSession([]byte(strings.Repeat("x", 32)), time.Hour, false)
	require.NoError(t, err)
	verifier, err := slinkgin.NewJWTSession(sessionSecret, time.Hour, false)
	require.NoError(t, err)

	token, err := issuer.Issue("user-3")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	_, ok := verifier.CurrentUserID(c)
	assert.False(t, ok)
}

func TestJWTSession_NoCredential(t *testing.T) {
	s, err := slinkgin.NewJWTSession(sessionSecret, time.Hour, false)
	require.NoError(t, err)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := s.CurrentUserID(c)
	assert.False(t, ok)
}
