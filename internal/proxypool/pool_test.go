package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"drover/internal/health"
	logx "drover/pkg/logx"
)

func newTestPool(t *testing.T, maxPer int, ids ...string) (*Pool, *health.Tracker, *time.Time) {
	t.Helper()
	now := time.Now()
	tr := health.NewTracker(health.Config{CooldownBase: time.Minute, CooldownMax: time.Hour}, logx.Nop())
	tr.SetNow(func() time.Time { return now })
	p := New(Config{MaxPerProxy: maxPer}, tr, logx.Nop())
	p.SetNow(func() time.Time { return now })
	for _, id := range ids {
		p.Add(Endpoint{ID: id, Addr: id + ":1080", Protocol: "socks5"})
	}
	return p, tr, &now
}

func TestAcquirePrefersLeastAssigned(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, 3, "p1", "p2")

	l1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l1.Endpoint().ID == l2.Endpoint().ID {
		t.Fatalf("both leases landed on %s, want spread across endpoints", l1.Endpoint().ID)
	}
}

func TestAcquireTieBreaksByOldestLastUsed(t *testing.T) {
	t.Parallel()
	p, _, now := newTestPool(t, 3, "p1", "p2")

	l, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := l.Endpoint().ID
	l.Release()

	// Both now have zero assignments; the one not just used must win.
	*now = now.Add(time.Second)
	l2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l2.Endpoint().ID == first {
		t.Fatalf("tie-break reused just-used endpoint %s", first)
	}
}

func TestAssignmentCapAndNoneAvailable(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, 2, "p1")

	var leases []*Lease
	for i := 0; i < 2; i++ {
		l, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("Acquire over cap = %v, want ErrNoneAvailable", err)
	}

	leases[0].Release()
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, 2, "p1")

	l, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
	l.Release()
	if got := p.Assigned("p1"); got != 0 {
		t.Fatalf("Assigned = %d after double release, want 0", got)
	}
}

func TestUnhealthyEndpointExcluded(t *testing.T) {
	t.Parallel()
	p, tr, now := newTestPool(t, 3, "p1", "p2")

	tr.Observe("p1", health.HardBlock)

	for i := 0; i < 3; i++ {
		l, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if l.Endpoint().ID == "p1" {
			t.Fatal("acquired hard-blocked endpoint inside cooldown")
		}
	}
	// p2 is now at cap and p1 is cooling: nothing left.
	if _, err := p.Acquire(); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("Acquire = %v, want ErrNoneAvailable", err)
	}

	// Once the cooldown elapses, p1 re-enters on probation.
	*now = now.Add(2 * time.Minute)
	l, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after cooldown: %v", err)
	}
	if l.Endpoint().ID != "p1" {
		t.Fatalf("acquired %s, want probationary p1", l.Endpoint().ID)
	}
}

func TestConcurrentAcquireReleaseNeverExceedsCap(t *testing.T) {
	t.Parallel()
	const maxPer = 3
	p, _, _ := newTestPool(t, maxPer, "p1", "p2")
	// Real clock for this storm; the fake one is not goroutine-safe.
	p.SetNow(time.Now)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l, err := p.Acquire()
				if err != nil {
					continue
				}
				if got := p.Assigned(l.Endpoint().ID); got > maxPer {
					t.Errorf("assignment count %d exceeds cap %d", got, maxPer)
				}
				l.Release()
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"p1", "p2"} {
		if got := p.Assigned(id); got != 0 {
			t.Fatalf("leaked assignments on %s: %d", id, got)
		}
	}
}

func TestProbeFeedsHealth(t *testing.T) {
	t.Parallel()
	p, tr, _ := newTestPool(t, 3, "up", "down")

	probe := func(ctx context.Context, ep Endpoint) error {
		if ep.ID == "down" {
			return fmt.Errorf("dial %s: connection refused", ep.Addr)
		}
		return nil
	}
	for i := 0; i < 4; i++ {
		p.Probe(context.Background(), probe)
	}

	if up, down := tr.Score("up"), tr.Score("down"); up <= down {
		t.Fatalf("probe scores: up=%v down=%v, want up > down", up, down)
	}
}
