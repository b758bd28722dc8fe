package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/audit"
	"github.com/pilab-dev/shadow-link/internal/authflow"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/pilab-dev/shadow-link/internal/linkstore"
	"github.com/pilab-dev/shadow-link/internal/metrics"
	"github.com/pilab-dev/shadow-link/internal/ratelimit"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/pilab-dev/shadow-link/services")

// ProviderRegistry resolves configured providers and their callback URLs.
type ProviderRegistry interface {
	Get(name domain.ProviderName) (federation.Provider, error)
	RedirectURI(name domain.ProviderName) string
}

// StartRequest asks for a provider redirect.
type StartRequest struct {
	Provider   domain.ProviderName
	Purpose    domain.AuthPurpose
	UserID     string // signed-in user; required for PurposeLink
	ClientAddr string
}

// StartResult is where the browser goes next.
type StartResult struct {
	RedirectURL string
	State       string
	ExpiresAt   time.Time
}

// CallbackRequest carries the query of a provider callback.
type CallbackRequest struct {
	Provider         domain.ProviderName
	Code             string
	State            string
	Error            string // error parameter reported by the provider
	ErrorDescription string
	UserID           string // signed-in user, if any
	ClientAddr       string
}

// CallbackResult is what the session boundary needs.
type CallbackResult struct {
	UserID      string
	Purpose     domain.AuthPurpose
	UserCreated bool
	LinkCreated bool
	Link        *domain.IdentityLink
}

// FederationService drives the start and callback halves of the
// authorization code flow and the link management operations.
type FederationService struct {
	providers      ProviderRegistry
	flows          *authflow.Manager
	links          *linkstore.Store
	limiter        ratelimit.Limiter
	startPolicy    ratelimit.Policy
	callbackPolicy ratelimit.Policy
	audit          audit.Logger
}

// FederationServiceConfig holds the rate limit policies.
type FederationServiceConfig struct {
	StartLimit    ratelimit.Policy
	CallbackLimit ratelimit.Policy
}

func NewFederationService(
	providers ProviderRegistry,
	flows *authflow.Manager,
	links *linkstore.Store,
	limiter ratelimit.Limiter,
	auditLogger audit.Logger,
	cfg FederationServiceConfig,
) *FederationService {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	return &FederationService{
		providers:      providers,
		flows:          flows,
		links:          links,
		limiter:        limiter,
		startPolicy:    cfg.StartLimit,
		callbackPolicy: cfg.CallbackLimit,
		audit:          auditLogger,
	}
}

// Start admits the attempt, stores a pending request and builds the
// provider redirect.
func (s *FederationService) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	ctx, span := tracer.Start(ctx, "federation.Start")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.Provider.String()), attribute.String("purpose", string(req.Purpose)))

	if err := s.enforce(ctx, ratelimit.StartSubject(req.ClientAddr), s.startPolicy, req.UserID, req.Provider); err != nil {
		return nil, err
	}

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	auth, err := s.flows.Begin(ctx, req.Provider, req.Purpose, req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	redirect := provider.AuthorizeURL(auth.Request.StateToken, auth.Challenge, s.providers.RedirectURI(req.Provider))

	log.Ctx(ctx).Debug().
		Str("provider", req.Provider.String()).
		Str("purpose", string(req.Purpose)).
		Msg("authorization started")

	return &StartResult{
		RedirectURL: redirect,
		State:       auth.Request.StateToken,
		ExpiresAt:   auth.Request.ExpiresAt,
	}, nil
}

// Callback redeems the state, exchanges the code, fetches the profile and
// resolves the identity to a local user. Audit events are recorded only
// after the link store committed.
func (s *FederationService) Callback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "federation.Callback")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.Provider.String()))

	res, err := s.callback(ctx, req)
	if err != nil {
		code := ErrorCode(err)
		span.SetStatus(codes.Error, code)
		metrics.CallbackErrorsTotal.WithLabelValues(req.Provider.String(), code).Inc()

		if !errors.Is(err, domain.ErrRateLimited) {
			s.audit.Record(ctx, domain.AuditEvent{
				UserID:   req.UserID,
				Provider: req.Provider,
				Action:   domain.AuditLoginFail,
				Metadata: map[string]string{"error": code},
			})
		}

		if domain.IsRetryable(err) {
			log.Ctx(ctx).Warn().Err(err).Str("provider", req.Provider.String()).Msg("callback failed, provider may be unavailable")
		} else {
			log.Ctx(ctx).Info().Err(err).Str("provider", req.Provider.String()).Msg("callback rejected")
		}
		return nil, err
	}
	return res, nil
}

func (s *FederationService) callback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	who := req.UserID
	if who == "" {
		who = req.ClientAddr
	}
	if err := s.enforce(ctx, ratelimit.CallbackSubject(who, req.Provider), s.callbackPolicy, req.UserID, req.Provider); err != nil {
		return nil, err
	}

	// A provider error still burns the state so it cannot be replayed.
	pending, err := s.flows.Consume(ctx, req.State)
	if req.Error != "" {
		if req.ErrorDescription != "" {
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrAccessDenied, req.Error, req.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, req.Error)
	}
	if err != nil {
		return nil, err
	}
	if pending.Provider != req.Provider {
		// The state was issued for another provider's flow.
		return nil, domain.ErrStateNotFound
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", domain.ErrInvalidGrant)
	}

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	tokens, err := provider.ExchangeCode(ctx, req.Code, pending.PKCEVerifier, s.providers.RedirectURI(req.Provider))
	if err != nil {
		return nil, err
	}

	identity, err := provider.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	resolution, err := s.links.ResolveOrCreate(ctx, req.Provider, identity, tokens, pending.Purpose, pending.LinkingUserID)
	if err != nil {
		return nil, err
	}

	action := domain.AuditLoginSuccess
	if pending.Purpose == domain.PurposeLink {
		action = domain.AuditLink
	}
	meta := map[string]string{"external_account_id": identity.ExternalAccountID}
	if resolution.UserCreated {
		meta["user_created"] = "true"
	}
	if resolution.LinkCreated {
		meta["link_created"] = "true"
	}
	s.audit.Record(ctx, domain.AuditEvent{
		UserID:   resolution.UserID,
		Provider: req.Provider,
		Action:   action,
		Metadata: meta,
	})

	return &CallbackResult{
		UserID:      resolution.UserID,
		Purpose:     pending.Purpose,
		UserCreated: resolution.UserCreated,
		LinkCreated: resolution.LinkCreated,
		Link:        resolution.Link,
	}, nil
}

// Unlink removes the user's link to provider unless it is their last way to
// sign in.
func (s *FederationService) Unlink(ctx context.Context, userID string, provider domain.ProviderName) error {
	ctx, span := tracer.Start(ctx, "federation.Unlink")
	defer span.End()

	if err := s.links.Unlink(ctx, userID, provider); err != nil {
		span.SetStatus(codes.Error, ErrorCode(err))
		return err
	}

	s.audit.Record(ctx, domain.AuditEvent{
		UserID:   userID,
		Provider: provider,
		Action:   domain.AuditUnlink,
	})
	return nil
}

func (s *FederationService) ListLinks(ctx context.Context, userID string) ([]*domain.IdentityLink, error) {
	return s.links.ListLinks(ctx, userID)
}

func (s *FederationService) enforce(ctx context.Context, subject string, p ratelimit.Policy, userID string, provider domain.ProviderName) error {
	if s.limiter == nil || p.Limit <= 0 {
		return nil
	}
	err := ratelimit.Enforce(ctx, s.limiter, subject, p)

	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		s.audit.Record(ctx, domain.AuditEvent{
			UserID:   userID,
			Provider: provider,
			Action:   domain.AuditRateLimited,
			Metadata: map[string]string{
				"subject":     subject,
				"retry_after": limited.RetryAfter.String(),
			},
		})
	}
	return err
}
