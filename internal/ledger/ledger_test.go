package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"drover/internal/health"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

// memStore implements storage.Store in memory for ledger tests.
type memStore struct {
	mu      sync.Mutex
	rows    []storage.ActivityRecord
	block   chan struct{} // when set, AppendActivity blocks until closed
	started chan struct{} // signaled on first blocking append
	once    sync.Once
}

func (m *memStore) AppendActivity(ctx context.Context, r storage.ActivityRecord) error {
	if m.block != nil {
		m.once.Do(func() { close(m.started) })
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memStore) ActivitySince(ctx context.Context, since time.Time, limit int) ([]storage.ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ActivityRecord
	for _, r := range m.rows {
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ActivityFor(ctx context.Context, resourceID string, since time.Time, limit int) ([]storage.ActivityRecord, error) {
	all, _ := m.ActivitySince(ctx, since, 0)
	var out []storage.ActivityRecord
	for _, r := range all {
		if r.AccountID == resourceID || r.ProxyID == resourceID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (m *memStore) UpsertAccount(ctx context.Context, a storage.AccountSnapshot) error { return nil }
func (m *memStore) Accounts(ctx context.Context) ([]storage.AccountSnapshot, error)    { return nil, nil }
func (m *memStore) UpsertProxy(ctx context.Context, p storage.ProxySnapshot) error     { return nil }
func (m *memStore) RemoveProxy(ctx context.Context, id string) error                   { return nil }
func (m *memStore) Proxies(ctx context.Context) ([]storage.ProxySnapshot, error)       { return nil, nil }
func (m *memStore) Close() error                                                       { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func TestAppendPersistsThroughWriter(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	l := New(Config{Buffer: 16}, st, nil, logx.Nop())

	for i := 0; i < 5; i++ {
		l.Append(Record{TaskID: "t", AccountID: "a1", Kind: "post", Outcome: health.Success})
	}
	l.Close()

	if got := st.count(); got != 5 {
		t.Fatalf("persisted %d records, want 5", got)
	}
	if l.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", l.Dropped())
	}
}

func TestAppendNeverBlocksWhenWriterStalls(t *testing.T) {
	t.Parallel()
	st := &memStore{block: make(chan struct{}), started: make(chan struct{})}
	l := New(Config{Buffer: 2}, st, nil, logx.Nop())

	// First record reaches the store and stalls there.
	l.Append(Record{TaskID: "t0", Outcome: health.Success})
	<-st.started

	// Two more fill the buffer; everything past that must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 6; i++ {
			l.Append(Record{TaskID: "tn", Outcome: health.Success})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a stalled writer")
	}
	if l.Dropped() < 4 {
		t.Fatalf("dropped = %d, want >= 4", l.Dropped())
	}

	close(st.block)
	l.Close()
	if got := st.count(); got != 3 {
		t.Fatalf("persisted %d records, want 3 (1 in-flight + 2 buffered)", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	l := New(Config{}, st, nil, logx.Nop())

	now := time.Now()
	l.Append(Record{At: now, AccountID: "a1", Outcome: health.Success})
	l.Append(Record{At: now, AccountID: "a1", Outcome: health.SoftLimit})
	l.Append(Record{At: now, AccountID: "a2", Outcome: health.HardBlock})
	l.Append(Record{At: now.Add(-48 * time.Hour), AccountID: "a2", Outcome: health.Success})
	l.Close()

	s, err := l.Summarize(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if c := s.Accounts["a1"]; c.Success != 1 || c.SoftLimit != 1 {
		t.Fatalf("a1 counts = %+v", c)
	}
	if c := s.Accounts["a2"]; c.HardBlock != 1 || c.Success != 0 {
		t.Fatalf("a2 counts = %+v", c)
	}
	if s.Total.Success != 1 || s.Total.HardBlock != 1 {
		t.Fatalf("total = %+v", s.Total)
	}
}

func TestQueryResourceFiltersByAccountOrProxy(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	l := New(Config{}, st, nil, logx.Nop())

	now := time.Now()
	l.Append(Record{At: now, TaskID: "t1", AccountID: "a1", ProxyID: "p1", Outcome: health.Success})
	l.Append(Record{At: now, TaskID: "t2", AccountID: "a2", ProxyID: "p1", Outcome: health.Success})
	l.Append(Record{At: now, TaskID: "t3", AccountID: "a2", ProxyID: "p2", Outcome: health.Success})
	l.Close()

	recs, err := l.QueryResource(context.Background(), "p1", now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryResource: %v", err)
	}
	if len(recs) != 2 || recs[0].TaskID != "t1" || recs[1].TaskID != "t2" {
		t.Fatalf("p1 records = %+v", recs)
	}

	recs, err = l.QueryResource(context.Background(), "a2", now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryResource: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("a2 records = %d, want 2", len(recs))
	}
}

func TestRehydrateReplaysIntoTrackers(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	l := New(Config{}, st, nil, logx.Nop())

	now := time.Now()
	l.Append(Record{At: now.Add(-10 * time.Minute), AccountID: "a1", ProxyID: "p1", Outcome: health.HardBlock})
	l.Close()

	accounts := health.NewTracker(health.Config{CooldownBase: time.Hour}, logx.Nop())
	proxies := health.NewTracker(health.Config{CooldownBase: time.Hour}, logx.Nop())
	n, err := l.Rehydrate(context.Background(), now.Add(-time.Hour), accounts, proxies)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed %d records, want 1", n)
	}
	if accounts.Eligible("a1", now) {
		t.Fatal("account cooldown lost across restart")
	}
	if proxies.Eligible("p1", now) {
		t.Fatal("proxy cooldown lost across restart")
	}
}
