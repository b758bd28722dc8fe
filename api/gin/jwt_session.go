package slinkgin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookieName = "slink_session"
	sessionIssuer     = "shadow-link"
)

// JWTSession keeps the signed-in user in an HS256 signed cookie. Requests
// may also present the token as a bearer credential.
type JWTSession struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewJWTSession returns a cookie session signed with secret. Cookies are
// marked Secure when secure is set.
func NewJWTSession(secret []byte, ttl time.Duration, secure bool) (*JWTSession, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &JWTSession{secret: secret, ttl: ttl, secure: secure, now: time.Now}, nil
}

// Issue signs a session token for userID.
func (s *JWTSession) Issue(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Verify returns the subject of a valid session token.
func (s *JWTSession) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("session has no subject")
	}
	return claims.Subject, nil
}

func (s *JWTSession) EstablishSession(c *gin.Context, userID string) error {
	token, err := s.Issue(userID)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, int(s.ttl.Seconds()), "/", "", s.secure, true)
	return nil
}

func (s *JWTSession) CurrentUserID(c *gin.Context) (string, bool) {
	raw := ""
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if v, err := c.Cookie(sessionCookieName); err == nil {
		raw = v
	}
	if raw == "" {
		return "", false
	}
	userID, err := s.Verify(raw)
	if err != nil {
		return "", false
	}
	return userID, true
}
