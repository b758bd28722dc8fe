package slinkgin

import "github.com/gin-gonic/gin"

// SessionBoundary is the application's session layer. This package never
// creates or reads sessions itself.
type SessionBoundary interface {
	// EstablishSession signs userID in on the response.
	EstablishSession(c *gin.Context, userID string) error
	// CurrentUserID returns the signed-in user of the request, if any.
	CurrentUserID(c *gin.Context) (string, bool)
}

// HeaderSession trusts a user id header set by an authenticating proxy in
// front of the service. It establishes no session of its own.
type HeaderSession struct {
	Header string
}

func (h HeaderSession) EstablishSession(c *gin.Context, userID string) error {
	c.Header(h.Header, userID)
	return nil
}

func (h HeaderSession) CurrentUserID(c *gin.Context) (string, bool) {
	id := c.GetHeader(h.Header)
	return id, id != ""
}
