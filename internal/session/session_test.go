package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"drover/internal/account"
	"drover/internal/health"
	"drover/internal/proxypool"
	logx "drover/pkg/logx"
)

type fixture struct {
	mgr  *Manager
	pool *proxypool.Pool
	tr   *health.Tracker
	now  time.Time

	mu     sync.Mutex
	logins int
	deny   error
}

func newFixture(t *testing.T, cfg Config, proxies ...string) *fixture {
	t.Helper()
	f := &fixture{now: time.Now()}
	f.tr = health.NewTracker(health.Config{CooldownBase: time.Minute, CooldownMax: time.Hour}, logx.Nop())
	f.tr.SetNow(func() time.Time { return f.now })
	f.pool = proxypool.New(proxypool.Config{MaxPerProxy: 3}, f.tr, logx.Nop())
	for _, id := range proxies {
		f.pool.Add(proxypool.Endpoint{ID: id, Addr: id + ":1080"})
	}

	reg := account.NewRegistry(logx.Nop())
	_ = reg.Add(account.Account{ID: "a1", Credential: "vault:a1"})
	_ = reg.Add(account.Account{ID: "a2", Credential: "vault:a2"})

	auth := AuthenticatorFunc(func(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.logins++
		return f.deny
	})

	f.mgr = NewManager(cfg, f.pool, f.tr, account.StaticVault{Registry: reg}, auth, logx.Nop())
	f.mgr.SetNow(func() time.Time { return f.now })
	return f
}

func (f *fixture) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}, "p1", "p2")

	s1, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the live session to be reused")
	}
	if got := f.loginCount(); got != 1 {
		t.Fatalf("logins = %d, want 1", got)
	}
	if got := f.pool.Assigned(s1.Proxy.ID); got != 1 {
		t.Fatalf("proxy assignment = %d, want 1", got)
	}
}

func TestConcurrentGetOrCreateSingleSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}, "p1", "p2")

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.mgr.GetOrCreate(context.Background(), "a1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		if s != sessions[0] {
			t.Fatal("concurrent GetOrCreate produced more than one live session")
		}
	}
	if got := f.loginCount(); got != 1 {
		t.Fatalf("logins = %d, want exactly 1", got)
	}
	// Exactly one proxy assignment across the pool.
	total := f.pool.Assigned("p1") + f.pool.Assigned("p2")
	if total != 1 {
		t.Fatalf("total proxy assignments = %d, want 1", total)
	}
}

func TestExpiredSessionIsReplaced(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Minute}, "p1", "p2")

	s1, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	f.now = f.now.Add(2 * time.Minute)
	s2, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate after expiry: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expired session was reused")
	}
	// The stale lease must have been released: total assignments stay at 1.
	total := f.pool.Assigned("p1") + f.pool.Assigned("p2")
	if total != 1 {
		t.Fatalf("total proxy assignments = %d, want 1 (stale lease leaked)", total)
	}
}

func TestSlidingTTLExtends(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Minute, Sliding: true}, "p1")

	s, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	first := s.ExpiresAt

	f.now = f.now.Add(30 * time.Second)
	if _, err := f.mgr.GetOrCreate(context.Background(), "a1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !s.ExpiresAt.After(first) {
		t.Fatal("sliding TTL did not extend expiry")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}, "p1")

	// Invalidating an account with no session is a no-op.
	f.mgr.Invalidate("a1")

	s, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.mgr.Invalidate("a1")
	f.mgr.Invalidate("a1")

	if f.mgr.Live("a1") {
		t.Fatal("session still live after Invalidate")
	}
	if got := f.pool.Assigned(s.Proxy.ID); got != 0 {
		t.Fatalf("proxy assignment = %d after invalidate, want 0", got)
	}
}

func TestNoProxyAvailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}) // empty pool

	_, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("err = %v, want ErrNoProxyAvailable", err)
	}
	if got := f.loginCount(); got != 0 {
		t.Fatalf("logins = %d, want 0", got)
	}
}

func TestAccountCoolingRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}, "p1")

	f.tr.Observe("a1", health.HardBlock)
	_, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if !errors.Is(err, ErrAccountCooling) {
		t.Fatalf("err = %v, want ErrAccountCooling", err)
	}
	if got := f.pool.Assigned("p1"); got != 0 {
		t.Fatalf("proxy assignment = %d, want 0 (no acquire for cooling account)", got)
	}
}

func TestAuthFailureReleasesProxy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Hour}, "p1")
	f.deny = errors.New("upstream says no")

	_, err := f.mgr.GetOrCreate(context.Background(), "a1")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if got := f.pool.Assigned("p1"); got != 0 {
		t.Fatalf("proxy assignment = %d after failed auth, want 0", got)
	}
	if f.mgr.Live("a1") {
		t.Fatal("no session should exist after failed auth")
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TTL: time.Minute}, "p1", "p2")

	if _, err := f.mgr.GetOrCreate(context.Background(), "a1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := f.mgr.GetOrCreate(context.Background(), "a2"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	f.now = f.now.Add(2 * time.Minute)
	if got := f.mgr.SweepExpired(); got != 2 {
		t.Fatalf("SweepExpired = %d, want 2", got)
	}
	total := f.pool.Assigned("p1") + f.pool.Assigned("p2")
	if total != 0 {
		t.Fatalf("assignments after sweep = %d, want 0", total)
	}
}
