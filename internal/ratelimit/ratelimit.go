// Package ratelimit enforces per-account and per-proxy action budgets.
//
// One token bucket exists per (subject, action kind) pair. An action is
// admitted only when both its account bucket and its proxy bucket admit it;
// otherwise the later of the two refill times is returned and neither bucket
// is charged.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket configures one token-bucket tier.
//
// Defaults (when fields are zero):
//   - rate: 1 token / 30s
//   - burst: 3
type Bucket struct {
	// Rate is tokens per second (fractional rates are normal here; one action
	// per minute is Rate = 1.0/60).
	Rate float64
	// Burst bounds how many admissions can happen back-to-back.
	Burst int
}

func (b Bucket) withDefaults() Bucket {
	if b.Rate <= 0 {
		b.Rate = 1.0 / 30
	}
	if b.Burst <= 0 {
		b.Burst = 3
	}
	return b
}

// Config holds the two tiers plus optional per-kind overrides.
type Config struct {
	Account Bucket
	Proxy   Bucket

	// PerKind overrides the account-tier bucket for specific action kinds.
	PerKind map[string]Bucket
}

// Decision is the result of an admission check.
// When OK is false, NotBefore is the earliest time a retry can succeed.
type Decision struct {
	OK        bool
	NotBefore time.Time
}

type bucketKey struct {
	subject string
	kind    string
}

// Limiter is safe for concurrent admission checks; each underlying
// rate.Limiter serializes its own token accounting, so concurrent callers can
// never jointly exceed a bucket's capacity.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	accounts map[bucketKey]*rate.Limiter
	proxies  map[bucketKey]*rate.Limiter
}

func New(cfg Config) *Limiter {
	cfg.Account = cfg.Account.withDefaults()
	cfg.Proxy = cfg.Proxy.withDefaults()
	return &Limiter{
		cfg:      cfg,
		accounts: make(map[bucketKey]*rate.Limiter),
		proxies:  make(map[bucketKey]*rate.Limiter),
	}
}

func (l *Limiter) accountBucket(kind string) Bucket {
	if b, ok := l.cfg.PerKind[kind]; ok {
		return b.withDefaults()
	}
	return l.cfg.Account
}

func (l *Limiter) limiterFor(m map[bucketKey]*rate.Limiter, k bucketKey, b Bucket) *rate.Limiter {
	lim := m[k]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(b.Rate), b.Burst)
		m[k] = lim
	}
	return lim
}

// Admit checks both tiers for one action at the given time.
//
// If either bucket lacks a token, both reservations are cancelled (no tokens
// are consumed for a deferred action) and the binding constraint's refill time
// is returned.
func (l *Limiter) Admit(now time.Time, accountID, proxyID, kind string) Decision {
	l.mu.Lock()
	acct := l.limiterFor(l.accounts, bucketKey{accountID, kind}, l.accountBucket(kind))
	prox := l.limiterFor(l.proxies, bucketKey{proxyID, kind}, l.cfg.Proxy)
	l.mu.Unlock()

	ra := acct.ReserveN(now, 1)
	rp := prox.ReserveN(now, 1)

	da := ra.DelayFrom(now)
	dp := rp.DelayFrom(now)
	if da == 0 && dp == 0 {
		return Decision{OK: true, NotBefore: now}
	}

	ra.CancelAt(now)
	rp.CancelAt(now)

	d := da
	if dp > d {
		d = dp
	}
	return Decision{NotBefore: now.Add(d)}
}

// AdmitAccount checks only the account tier. Used for admission decisions made
// before a proxy has been bound (e.g. session creation).
func (l *Limiter) AdmitAccount(now time.Time, accountID, kind string) Decision {
	l.mu.Lock()
	acct := l.limiterFor(l.accounts, bucketKey{accountID, kind}, l.accountBucket(kind))
	l.mu.Unlock()

	r := acct.ReserveN(now, 1)
	d := r.DelayFrom(now)
	if d == 0 {
		return Decision{OK: true, NotBefore: now}
	}
	r.CancelAt(now)
	return Decision{NotBefore: now.Add(d)}
}
