package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBurstBound(t *testing.T) {
	t.Parallel()
	l := New(Config{
		Account: Bucket{Rate: 1, Burst: 2},
		Proxy:   Bucket{Rate: 100, Burst: 100},
	})
	now := time.Now()

	allowed := 0
	for i := 0; i < 10; i++ {
		if d := l.Admit(now, "acct", "proxy", "post"); d.OK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed %d admissions at t0, want burst of 2", allowed)
	}
}

func TestDeferredNotBeforeIsRefillTime(t *testing.T) {
	t.Parallel()
	l := New(Config{
		Account: Bucket{Rate: 1, Burst: 1},
		Proxy:   Bucket{Rate: 100, Burst: 100},
	})
	now := time.Now()

	if d := l.Admit(now, "acct", "proxy", "post"); !d.OK {
		t.Fatal("first admission should pass")
	}
	d := l.Admit(now, "acct", "proxy", "post")
	if d.OK {
		t.Fatal("second admission should defer")
	}
	wait := d.NotBefore.Sub(now)
	if wait < 900*time.Millisecond || wait > 1100*time.Millisecond {
		t.Fatalf("NotBefore %v from now, want ~1s", wait)
	}

	// The deferred admission must not have consumed a token: at the refill
	// time exactly one admission passes.
	if d := l.Admit(d.NotBefore, "acct", "proxy", "post"); !d.OK {
		t.Fatal("admission at refill time should pass")
	}
}

func TestProxyTierBinds(t *testing.T) {
	t.Parallel()
	l := New(Config{
		Account: Bucket{Rate: 100, Burst: 100},
		Proxy:   Bucket{Rate: 0.5, Burst: 1},
	})
	now := time.Now()

	// Two accounts sharing one proxy: the proxy bucket is the binding
	// constraint for the second admission.
	if d := l.Admit(now, "acct-a", "proxy", "post"); !d.OK {
		t.Fatal("first admission should pass")
	}
	d := l.Admit(now, "acct-b", "proxy", "post")
	if d.OK {
		t.Fatal("shared proxy should defer the second account")
	}
	if wait := d.NotBefore.Sub(now); wait < 1900*time.Millisecond || wait > 2100*time.Millisecond {
		t.Fatalf("NotBefore %v from now, want ~2s (proxy refill)", wait)
	}
}

func TestPerKindOverride(t *testing.T) {
	t.Parallel()
	l := New(Config{
		Account: Bucket{Rate: 100, Burst: 100},
		Proxy:   Bucket{Rate: 100, Burst: 100},
		PerKind: map[string]Bucket{"post": {Rate: 1, Burst: 1}},
	})
	now := time.Now()

	if d := l.Admit(now, "acct", "proxy", "post"); !d.OK {
		t.Fatal("first post should pass")
	}
	if d := l.Admit(now, "acct", "proxy", "post"); d.OK {
		t.Fatal("second post should hit the per-kind bucket")
	}
	// Other kinds use the default account bucket.
	if d := l.Admit(now, "acct", "proxy", "comment"); !d.OK {
		t.Fatal("comment should not be limited by the post override")
	}
}

func TestConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	t.Parallel()
	const burst = 5
	l := New(Config{
		Account: Bucket{Rate: 0.001, Burst: burst},
		Proxy:   Bucket{Rate: 1000, Burst: 1000},
	})
	now := time.Now()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Admit(now, "acct", "proxy", "post"); d.OK {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if allowed != burst {
		t.Fatalf("concurrent admissions allowed = %d, want %d", allowed, burst)
	}
}

func TestAdmitAccountOnly(t *testing.T) {
	t.Parallel()
	l := New(Config{Account: Bucket{Rate: 1, Burst: 1}})
	now := time.Now()
	if d := l.AdmitAccount(now, "acct", "login"); !d.OK {
		t.Fatal("first account admission should pass")
	}
	if d := l.AdmitAccount(now, "acct", "login"); d.OK {
		t.Fatal("second account admission should defer")
	}
}
