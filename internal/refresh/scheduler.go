// Package refresh keeps stored provider tokens valid by refreshing them ahead
// of expiry.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/audit"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/pilab-dev/shadow-link/internal/linkstore"
	"github.com/pilab-dev/shadow-link/internal/metrics"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/pilab-dev/shadow-link/internal/refresh")

// Config controls the refresh cycle.
type Config struct {
	Interval       time.Duration // time between cycles in Run
	LeadTime       time.Duration // refresh tokens expiring within this window
	MaxRetries     int           // consecutive failures before a link is degraded
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration // per provider call; a timeout counts as ErrProviderUnavailable
	Concurrency    int
	BatchSize      int           // links examined per cycle
	LeaseDuration  time.Duration // how long a claimed link stays reserved; defaults to 2x AttemptTimeout
}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		LeadTime:       5 * time.Minute,
		MaxRetries:     5,
		BackoffBase:    30 * time.Second,
		BackoffMax:     time.Hour,
		AttemptTimeout: 15 * time.Second,
		Concurrency:    4,
		BatchSize:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.LeadTime <= 0 {
		c.LeadTime = d.LeadTime
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * c.AttemptTimeout
	}
	return c
}

// Backoff is the delay before retry n (1-based): base * 2^(n-1), capped at max.
func Backoff(n int, base, maxDelay time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// ProviderLookup resolves a provider by name. *federation.Registry implements it.
type ProviderLookup interface {
	Get(name domain.ProviderName) (federation.Provider, error)
}

// Report summarizes one cycle.
type Report struct {
	Candidates int
	Refreshed  int
	Failed     int
	Degraded   int
	Skipped    int // claimed by another cycle
}

type counters struct {
	refreshed, failed, degraded, skipped atomic.Int64
}

type Scheduler struct {
	cfg       Config
	links     *linkstore.Store
	providers ProviderLookup
	audit     audit.Logger
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(cfg Config, links *linkstore.Store, providers ProviderLookup, auditLogger audit.Logger, opts ...Option) *Scheduler {
	if auditLogger == nil {
		auditLogger = audit.Nop{}
	}
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		links:     links,
		providers: providers,
		audit:     auditLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes a cycle immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.cfg.Interval).Msg("token refresh scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("token refresh cycle failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("token refresh scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one refresh cycle. Running it concurrently with itself is
// safe: each link is claimed with a lease before it is refreshed.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "refresh.RunOnce")
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.RefreshCycleDuration.Observe(time.Since(started).Seconds())
	}()

	expiringBefore := s.now().UTC().Add(s.cfg.LeadTime)
	candidates, err := s.links.RefreshCandidates(ctx, expiringBefore, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("failed to list refresh candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	var c counters
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, link := range candidates {
		g.Go(func() error {
			s.refreshLink(ctx, link, expiringBefore, &c)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Candidates: len(candidates),
		Refreshed:  int(c.refreshed.Load()),
		Failed:     int(c.failed.Load()),
		Degraded:   int(c.degraded.Load()),
		Skipped:    int(c.skipped.Load()),
	}
	if report.Candidates > 0 {
		log.Info().
			Int("candidates", report.Candidates).
			Int("refreshed", report.Refreshed).
			Int("failed", report.Failed).
			Int("degraded", report.Degraded).
			Int("skipped", report.Skipped).
			Msg("token refresh cycle finished")
	}
	return report, nil
}

func (s *Scheduler) refreshLink(ctx context.Context, link *domain.IdentityLink, expiringBefore time.Time, c *counters) {
	logger := log.With().Str("link_id", link.ID).Str("provider", link.Provider.String()).Logger()

	claimed, err := s.links.ClaimForRefresh(ctx, link, expiringBefore, s.now().UTC().Add(s.cfg.LeaseDuration))
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim link for refresh")
		return
	}
	if !claimed {
		c.skipped.Add(1)
		return
	}

	provider, err := s.providers.Get(link.Provider)
	if err != nil {
		// Provider no longer configured; look again much later.
		logger.Warn().Err(err).Msg("skipping refresh for unconfigured provider")
		state := link.Refresh
		state.NextAttemptAt = s.now().UTC().Add(s.cfg.BackoffMax)
		if err := s.links.SaveRefreshState(ctx, link, state); err != nil {
			logger.Error().Err(err).Msg("failed to release refresh lease")
		}
		c.skipped.Add(1)
		return
	}

	tokens, err := s.links.DecryptTokens(ctx, link)
	if err != nil {
		// DecryptTokens already marked the link degraded.
		c.failed.Add(1)
		c.degraded.Add(1)
		metrics.DegradedLinksTotal.Inc()
		s.recordFailure(ctx, link, err, link.Refresh.RetryCount, true)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	set, err := provider.Refresh(attemptCtx, tokens.RefreshToken)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: refresh attempt timed out after %s", domain.ErrProviderUnavailable, s.cfg.AttemptTimeout)
	}
	cancel()

	if err == nil {
		if err := s.links.UpdateTokens(ctx, link, set); err != nil {
			logger.Error().Err(err).Msg("failed to store refreshed tokens")
			c.failed.Add(1)
			return
		}
		c.refreshed.Add(1)
		metrics.RefreshAttemptsTotal.WithLabelValues(link.Provider.String(), "success").Inc()
		s.audit.Record(ctx, domain.AuditEvent{
			UserID:   link.UserID,
			Provider: link.Provider,
			Action:   domain.AuditRefreshSuccess,
			Metadata: map[string]string{"link_id": link.ID},
		})
		return
	}

	metrics.RefreshAttemptsTotal.WithLabelValues(link.Provider.String(), "failure").Inc()

	now := s.now().UTC()
	state := link.Refresh
	state.RetryCount++
	state.LastError = err.Error()

	terminal := errors.Is(err, domain.ErrInvalidGrant) || errors.Is(err, domain.ErrDecryptionFailed)
	if terminal || state.RetryCount >= s.cfg.MaxRetries {
		state.Degraded = true
		state.DegradedAt = &now
		state.NextAttemptAt = time.Time{}
	} else {
		state.NextAttemptAt = now.Add(Backoff(state.RetryCount, s.cfg.BackoffBase, s.cfg.BackoffMax))
	}

	if saveErr := s.links.SaveRefreshState(ctx, link, state); saveErr != nil {
		if errors.Is(saveErr, domain.ErrLeaseLost) {
			// A login or relink replaced the tokens while this attempt ran.
			logger.Debug().Err(err).Msg("link changed during refresh, dropping failure")
			c.skipped.Add(1)
			return
		}
		logger.Error().Err(saveErr).Msg("failed to store refresh failure")
		c.failed.Add(1)
		return
	}

	c.failed.Add(1)
	if state.Degraded {
		c.degraded.Add(1)
		metrics.DegradedLinksTotal.Inc()
		logger.Warn().Err(err).Int("retry_count", state.RetryCount).Msg("link degraded, user must sign in again")
	} else {
		logger.Debug().Err(err).Int("retry_count", state.RetryCount).Time("next_attempt_at", state.NextAttemptAt).Msg("token refresh failed, will retry")
	}
	s.recordFailure(ctx, link, err, state.RetryCount, state.Degraded)
}

func (s *Scheduler) recordFailure(ctx context.Context, link *domain.IdentityLink, cause error, retryCount int, degraded bool) {
	s.audit.Record(ctx, domain.AuditEvent{
		UserID:   link.UserID,
		Provider: link.Provider,
		Action:   domain.AuditRefreshFail,
		Metadata: map[string]string{
			"link_id":     link.ID,
			"error":       cause.Error(),
			"retry_count": strconv.Itoa(retryCount),
			"degraded":    strconv.FormatBool(degraded),
		},
	})
}
