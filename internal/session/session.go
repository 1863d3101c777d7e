// Package session maintains at most one live authenticated session per
// account and binds each session to a proxy lease for its lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"drover/internal/account"
	"drover/internal/health"
	"drover/internal/proxypool"
	logx "drover/pkg/logx"
)

var (
	// ErrNoProxyAvailable: the pool had nothing eligible. Retry later.
	ErrNoProxyAvailable = errors.New("session: no proxy available")
	// ErrAccountCooling: the account's health cooldown has not elapsed.
	ErrAccountCooling = errors.New("session: account cooling down")
	// ErrAuthFailed: external authentication rejected the account.
	ErrAuthFailed = errors.New("session: authentication failed")
)

// Authenticator performs external authentication for an account through the
// given proxy. Implementations live outside this module.
type Authenticator interface {
	Login(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint) error

func (f AuthenticatorFunc) Login(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint) error {
	return f(ctx, cred, proxy)
}

// Session binds one account to one proxy endpoint until it expires or is
// invalidated.
type Session struct {
	AccountID string
	Proxy     proxypool.Endpoint
	CreatedAt time.Time
	ExpiresAt time.Time

	lease *proxypool.Lease
}

// Config controls session lifetime.
//
// Defaults (when fields are zero):
//   - ttl: 30m
type Config struct {
	TTL time.Duration
	// Sliding extends the expiry on each reuse instead of keeping a fixed
	// deadline from creation.
	Sliding bool
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	return c
}

// Manager serializes session creation per account: concurrent GetOrCreate
// calls for the same account are funneled through one per-account lock, so a
// race can never produce two live sessions.
type Manager struct {
	cfg    Config
	log    logx.Logger
	pool   *proxypool.Pool
	health *health.Tracker
	vault  account.Vault
	auth   Authenticator

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

func NewManager(cfg Config, pool *proxypool.Pool, tracker *health.Tracker, vault account.Vault, auth Authenticator, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		log:      log,
		pool:     pool,
		health:   tracker,
		vault:    vault,
		auth:     auth,
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetNow replaces the manager's clock. Intended for tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	if now != nil {
		m.now = now
	}
	m.mu.Unlock()
}

func (m *Manager) accountLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// GetOrCreate returns the live session for an account, creating one if
// needed. Creation checks account health, acquires a proxy, and authenticates
// through it; the proxy lease is released immediately on any failure.
func (m *Manager) GetOrCreate(ctx context.Context, accountID string) (*Session, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	now := m.now()
	s := m.sessions[accountID]
	m.mu.Unlock()

	if s != nil && now.Before(s.ExpiresAt) {
		if m.cfg.Sliding {
			m.mu.Lock()
			s.ExpiresAt = now.Add(m.cfg.TTL)
			m.mu.Unlock()
		}
		return s, nil
	}
	if s != nil {
		// Expired: clear the stale record before creating a fresh one.
		m.invalidateLocked(accountID, s)
	}

	if m.health != nil && !m.health.Eligible(accountID, now) {
		return nil, fmt.Errorf("%w until %s", ErrAccountCooling, m.health.CooldownUntil(accountID).Format(time.RFC3339))
	}

	lease, err := m.pool.Acquire()
	if err != nil {
		if errors.Is(err, proxypool.ErrNoneAvailable) {
			return nil, ErrNoProxyAvailable
		}
		return nil, err
	}

	cred, err := m.vault.Resolve(ctx, accountID)
	if err != nil {
		// Missing credentials are an operator problem, not a resource
		// problem: surface them unchanged so they fail fast.
		lease.Release()
		return nil, err
	}

	if err := m.auth.Login(ctx, cred, lease.Endpoint()); err != nil {
		lease.Release()
		// A rejected login is a block signal for the account; anything
		// else (timeouts, transport errors) is transient.
		outcome := health.Transient
		if errors.Is(err, ErrAuthFailed) {
			outcome = health.HardBlock
		}
		if m.health != nil {
			m.health.Observe(accountID, outcome)
		}
		m.pool.ReportOutcome(lease.Endpoint().ID, health.Transient)
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	s = &Session{
		AccountID: accountID,
		Proxy:     lease.Endpoint(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
		lease:     lease,
	}

	m.mu.Lock()
	stale := m.sessions[accountID]
	m.sessions[accountID] = s
	m.mu.Unlock()
	if stale != nil {
		stale.lease.Release()
	}

	m.log.Debug("session created",
		logx.String("account", accountID),
		logx.String("proxy", s.Proxy.ID),
		logx.Time("expires", s.ExpiresAt),
	)
	return s, nil
}

// Invalidate clears the account's session and releases its proxy lease.
// Idempotent: invalidating twice, or an account with no session, is a no-op.
func (m *Manager) Invalidate(accountID string) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s := m.sessions[accountID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.invalidateLocked(accountID, s)
}

// invalidateLocked assumes the caller holds the per-account lock.
func (m *Manager) invalidateLocked(accountID string, s *Session) {
	m.mu.Lock()
	if m.sessions[accountID] == s {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()
	s.lease.Release()
	m.log.Debug("session invalidated", logx.String("account", accountID), logx.String("proxy", s.Proxy.ID))
}

// Live reports whether a non-expired session exists for the account.
func (m *Manager) Live(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[accountID]
	return s != nil && m.now().Before(s.ExpiresAt)
}

// SweepExpired invalidates all expired sessions. Run periodically by
// maintenance; returns how many were cleared.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	now := m.now()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Invalidate(id)
	}
	return len(expired)
}
