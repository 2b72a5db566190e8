package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
	"github.com/giantswarm/mcp-gateway-auth/security"
)

// Defaults for health monitoring.
const (
	DefaultHealthInterval = 60 * time.Second
	DefaultHealthTimeout  = 10 * time.Second

	// maxParallelProbes bounds concurrent health probes per sweep.
	maxParallelProbes = 10
)

// ErrIdPNotConfigured is returned for issuers that have no IdPConfig.
var ErrIdPNotConfigured = errors.New("no IdP configured for issuer")

// KeyResolver resolves verification keys. *oidc.Resolver implements it.
type KeyResolver interface {
	GetKey(ctx context.Context, issuer, keyID, jwksURI string) (*oidc.ResolvedKey, error)
}

// Config configures a Manager.
type Config struct {
	Resolver KeyResolver

	// HealthInterval is the period of the shared health ticker (default: 60s).
	HealthInterval time.Duration

	// HealthTimeout bounds each health probe (default: 10s).
	HealthTimeout time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Manager federates external identity providers: it keeps their
// configuration, resolves their keys, tracks their health and normalizes
// their claims. It is safe for concurrent use.
type Manager struct {
	resolver       KeyResolver
	healthInterval time.Duration
	healthTimeout  time.Duration
	logger         *slog.Logger
	auditor        *security.Auditor
	metrics        *instrumentation.Metrics
	now            func() time.Time

	mu     sync.RWMutex
	idps   map[string]*IdPConfig
	health map[string]*HealthStatus

	// shared health ticker, running while at least one IdP is monitored
	tickerCancel context.CancelFunc
	tickerDone   chan struct{}
	closed       bool
}

// NewManager creates a federation manager with no IdPs.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &Manager{
		resolver:       cfg.Resolver,
		healthInterval: interval,
		healthTimeout:  timeout,
		logger:         logger,
		auditor:        cfg.Auditor,
		metrics:        cfg.Instrumentation.Metrics(),
		now:            time.Now,
		idps:           make(map[string]*IdPConfig),
		health:         make(map[string]*HealthStatus),
	}
}

// AddIdP validates cfg, applies provider presets and registers it. An IdP
// with the same issuer is replaced. The IdP starts out healthy.
func (m *Manager) AddIdP(cfg IdPConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid IdP config: %w", err)
	}
	cfg = applyPreset(cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("federation manager is closed")
	}
	_, replaced := m.idps[cfg.Issuer]
	m.idps[cfg.Issuer] = &cfg
	m.health[cfg.Issuer] = &HealthStatus{Issuer: cfg.Issuer, Healthy: true}
	if cfg.HealthCheck {
		m.startTickerLocked()
	}
	stop := m.detachTickerIfIdleLocked()
	m.mu.Unlock()
	stop()

	m.logger.Info("IdP configured",
		"issuer", cfg.Issuer,
		"provider", cfg.Provider,
		"replaced", replaced,
		"health_check", cfg.HealthCheck)
	if cfg.Audience == "" {
		m.logger.Warn("IdP has no audience, tokens for any audience will be accepted", "issuer", cfg.Issuer)
	}
	m.auditor.LogIdPEvent(security.EventIdPAdded, cfg.Issuer, map[string]any{
		"provider": cfg.Provider,
		"replaced": replaced,
	})
	return nil
}

// RemoveIdP removes the IdP for issuer and its health record. It reports
// whether an IdP was removed. The health ticker stops once no monitored IdP
// remains.
func (m *Manager) RemoveIdP(issuer string) bool {
	issuer = util.NormalizeURL(issuer)

	m.mu.Lock()
	_, ok := m.idps[issuer]
	if ok {
		delete(m.idps, issuer)
		delete(m.health, issuer)
	}
	stop := m.detachTickerIfIdleLocked()
	m.mu.Unlock()
	stop()

	if ok {
		m.logger.Info("IdP removed", "issuer", issuer)
		m.auditor.LogIdPEvent(security.EventIdPRemoved, issuer, nil)
	}
	return ok
}

// GetIdP returns a copy of the configuration for issuer.
func (m *Manager) GetIdP(issuer string) (IdPConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.idps[util.NormalizeURL(issuer)]
	if !ok {
		return IdPConfig{}, false
	}
	return *cfg, true
}

// ListIdPs returns all IdP configurations sorted by issuer.
func (m *Manager) ListIdPs() []IdPConfig {
	m.mu.RLock()
	out := make([]IdPConfig, 0, len(m.idps))
	for _, cfg := range m.idps {
		out = append(out, *cfg)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b IdPConfig) int {
		switch {
		case a.Issuer < b.Issuer:
			return -1
		case a.Issuer > b.Issuer:
			return 1
		}
		return 0
	})
	return out
}

// Audience returns the configured audience for issuer and whether the issuer
// is known.
func (m *Manager) Audience(issuer string) (string, bool) {
	cfg, ok := m.GetIdP(issuer)
	return cfg.Audience, ok
}

// GetPublicKey resolves the verification key for (issuer, keyID) and records
// the outcome in the IdP's health status.
func (m *Manager) GetPublicKey(ctx context.Context, issuer, keyID string) (*oidc.ResolvedKey, error) {
	cfg, ok := m.GetIdP(issuer)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrIdPNotConfigured, issuer)
	}

	key, err := m.resolver.GetKey(ctx, cfg.Issuer, keyID, cfg.JWKSURI)
	if countsForHealth(keyID, err) {
		m.recordHealth(ctx, cfg.Issuer, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key for %s: %w", cfg.Issuer, err)
	}
	return key, nil
}

// countsForHealth reports whether a key resolution outcome says something
// about the IdP. A caller giving up, or a token naming a kid the IdP does not
// publish while other keys are served, does not.
func countsForHealth(keyID string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled):
		return false
	case keyID != "" && errors.Is(err, oidc.ErrKeyNotFound) && !errors.Is(err, oidc.ErrEmptyKeySet):
		return false
	}
	return true
}

// recordHealth updates the health record of issuer after a key resolution.
func (m *Manager) recordHealth(ctx context.Context, issuer string, err error) {
	m.mu.Lock()
	status, ok := m.health[issuer]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasHealthy := status.Healthy
	now := m.now()
	if err == nil {
		status.Healthy = true
		status.ConsecutiveFailures = 0
		status.LastSuccess = now
		status.LastError = ""
	} else {
		status.Healthy = false
		status.ConsecutiveFailures++
		status.LastFailure = now
		status.LastError = err.Error()
	}
	healthy := status.Healthy
	failures := status.ConsecutiveFailures
	m.mu.Unlock()

	result := instrumentation.ResultSuccess
	if err != nil {
		result = instrumentation.ResultFailure
	}
	m.metrics.RecordIdPHealthCheck(ctx, issuer, result)

	if wasHealthy != healthy {
		if healthy {
			m.logger.Info("IdP recovered", "issuer", issuer)
		} else {
			m.logger.Warn("IdP unhealthy", "issuer", issuer, "error", err)
		}
		m.auditor.LogIdPEvent(security.EventIdPHealthChanged, issuer, map[string]any{
			"healthy":              healthy,
			"consecutive_failures": failures,
		})
	}
}

// ExtractClaims returns claims normalized for the IdP that issued them:
// groups taken from the configured claim and transformed, plus provider and
// tenant tags. Claims of unknown issuers are returned as is.
func (m *Manager) ExtractClaims(issuer string, claims *identity.Claims) *identity.Claims {
	cfg, ok := m.GetIdP(issuer)
	if !ok || claims == nil {
		return claims
	}
	return extractClaims(&cfg, claims)
}

// HealthStatus returns a copy of the health record for issuer.
func (m *Manager) HealthStatus(issuer string) (HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.health[util.NormalizeURL(issuer)]
	if !ok {
		return HealthStatus{}, false
	}
	return *status, true
}

// AllHealth returns a copy of every health record keyed by issuer.
func (m *Manager) AllHealth() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.health))
	for issuer, status := range m.health {
		out[issuer] = *status
	}
	return out
}

// CheckHealth probes every monitored IdP in parallel, each under the health
// timeout. Failures are recorded and logged, never returned.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	var issuers []string
	for issuer, cfg := range m.idps {
		if cfg.HealthCheck {
			issuers = append(issuers, issuer)
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(maxParallelProbes)
	for _, issuer := range issuers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
			defer cancel()
			if _, err := m.GetPublicKey(probeCtx, issuer, ""); err != nil {
				m.logger.Debug("IdP health probe failed", "issuer", issuer, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HealthTickerRunning reports whether the shared health ticker is active.
func (m *Manager) HealthTickerRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickerCancel != nil
}

// Close stops health monitoring. The manager rejects new IdPs afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	stop := m.detachTickerLocked()
	m.mu.Unlock()
	stop()
}

func (m *Manager) startTickerLocked() {
	if m.tickerCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.tickerCancel = cancel
	m.tickerDone = done
	go m.healthLoop(ctx, done)
	m.logger.Debug("IdP health ticker started", "interval", m.healthInterval)
}

// detachTickerIfIdleLocked detaches the ticker when no IdP is monitored any
// more. The returned func must be called after releasing the lock.
func (m *Manager) detachTickerIfIdleLocked() func() {
	for _, cfg := range m.idps {
		if cfg.HealthCheck {
			return func() {}
		}
	}
	return m.detachTickerLocked()
}

func (m *Manager) detachTickerLocked() func() {
	cancel, done := m.tickerCancel, m.tickerDone
	m.tickerCancel, m.tickerDone = nil, nil
	if cancel == nil {
		return func() {}
	}
	return func() {
		cancel()
		<-done
		m.logger.Debug("IdP health ticker stopped")
	}
}

func (m *Manager) healthLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}
