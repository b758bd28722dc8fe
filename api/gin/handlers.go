// Package slinkgin exposes the identity linking flow over gin.
package slinkgin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/services"
	"github.com/rs/zerolog/log"
)

const stateCookieName = "slink_oauth_state"

// FederationService is the part of services.FederationService the handlers use.
type FederationService interface {
	Start(ctx context.Context, req services.StartRequest) (*services.StartResult, error)
	Callback(ctx context.Context, req services.CallbackRequest) (*services.CallbackResult, error)
	Unlink(ctx context.Context, userID string, provider domain.ProviderName) error
	ListLinks(ctx context.Context, userID string) ([]*domain.IdentityLink, error)
}

// FederationAPI holds the HTTP handlers.
type FederationAPI struct {
	service           FederationService
	sessions          SessionBoundary
	postLoginRedirect string
}

func NewFederationAPI(service FederationService, sessions SessionBoundary, postLoginRedirect string) *FederationAPI {
	if postLoginRedirect == "" {
		postLoginRedirect = "/"
	}
	return &FederationAPI{
		service:           service,
		sessions:          sessions,
		postLoginRedirect: postLoginRedirect,
	}
}

// RegisterRoutes mounts the handlers under /auth/oauth.
func (a *FederationAPI) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/auth/oauth")
	g.GET("/:provider/start", a.StartHandler)
	g.GET("/:provider/callback", a.CallbackHandler)

	authed := g.Group("", RequireSession(a.sessions))
	authed.GET("/links", a.ListLinksHandler)
	authed.DELETE("/:provider", a.UnlinkHandler)
}

// StartHandler redirects to the provider. ?purpose=link attaches the
// provider to the signed-in user instead of signing in.
func (a *FederationAPI) StartHandler(c *gin.Context) {
	purpose := domain.AuthPurpose(c.DefaultQuery("purpose", string(domain.PurposeLogin)))
	userID, signedIn := a.sessions.CurrentUserID(c)

	if purpose == domain.PurposeLink && !signedIn {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "Sign in before linking another account.",
		})
		return
	}

	res, err := a.service.Start(c.Request.Context(), services.StartRequest{
		Provider:   domain.ProviderName(c.Param("provider")),
		Purpose:    purpose,
		UserID:     userID,
		ClientAddr: c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     stateCookieName,
		Value:    res.State,
		Path:     "/auth/oauth",
		MaxAge:   int(time.Until(res.ExpiresAt).Seconds()),
		Secure:   c.Request.TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	c.Redirect(http.StatusFound, res.RedirectURL)
}

// CallbackHandler finishes the flow. The state must match the cookie set by
// StartHandler, binding the callback to the browser that started it.
func (a *FederationAPI) CallbackHandler(c *gin.Context) {
	provider := domain.ProviderName(c.Param("provider"))
	state := c.Query("state")
	providerError := c.Query("error")

	stateCookie, _ := c.Cookie(stateCookieName)
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/auth/oauth",
		MaxAge:   -1,
		Secure:   c.Request.TLS != nil,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if providerError == "" && (state == "" || state != stateCookie) {
		log.Ctx(c.Request.Context()).Warn().
			Str("provider", provider.String()).
			Bool("cookie_present", stateCookie != "").
			Msg("State mismatch in callback")
		writeError(c, errStateMismatch)
		return
	}

	userID, _ := a.sessions.CurrentUserID(c)
	res, err := a.service.Callback(c.Request.Context(), services.CallbackRequest{
		Provider:         provider,
		Code:             c.Query("code"),
		State:            state,
		Error:            providerError,
		ErrorDescription: c.Query("error_description"),
		UserID:           userID,
		ClientAddr:       c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if err := a.sessions.EstablishSession(c, res.UserID); err != nil {
		log.Ctx(c.Request.Context()).Error().Err(err).Str("user_id", res.UserID).Msg("Failed to establish session")
		writeError(c, err)
		return
	}

	c.Redirect(http.StatusFound, a.postLoginRedirect)
}

type linkView struct {
	Provider          domain.ProviderName `json:"provider"`
	ExternalAccountID string              `json:"external_account_id"`
	Email             string              `json:"email,omitempty"`
	DisplayName       string              `json:"display_name,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	LastUsedAt        time.Time           `json:"last_used_at"`
	TokenExpiresAt    *time.Time          `json:"token_expires_at,omitempty"`
	Degraded          bool                `json:"degraded"`
}

// ListLinksHandler lists the signed-in user's links without token material.
func (a *FederationAPI) ListLinksHandler(c *gin.Context) {
	links, err := a.service.ListLinks(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]linkView, 0, len(links))
	for _, l := range links {
		v := linkView{
			Provider:          l.Provider,
			ExternalAccountID: l.ExternalAccountID,
			Email:             l.Email,
			DisplayName:       l.DisplayName,
			CreatedAt:         l.CreatedAt,
			LastUsedAt:        l.LastUsedAt,
			Degraded:          l.Refresh.Degraded,
		}
		if !l.Token.ExpiresAt.IsZero() {
			exp := l.Token.ExpiresAt
			v.TokenExpiresAt = &exp
		}
		out = append(out, v)
	}

	c.JSON(http.StatusOK, gin.H{"links": out})
}

func (a *FederationAPI) UnlinkHandler(c *gin.Context) {
	provider := domain.ProviderName(c.Param("provider"))
	if err := a.service.Unlink(c.Request.Context(), c.GetString(userIDKey), provider); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
