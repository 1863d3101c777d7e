// Package ledger is the engine's activity journal. Appends are non-blocking:
// records flow through a bounded channel to a single writer goroutine, and
// when the channel is full the record is dropped and counted rather than
// stalling the scheduler.
package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"drover/internal/eventbus"
	"drover/internal/health"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

// Record is one completed attempt as seen by the scheduler.
type Record struct {
	At        time.Time
	TaskID    string
	AccountID string
	ProxyID   string
	Kind      string
	Outcome   health.Outcome
	Detail    string
	Attempt   int
	Took      time.Duration
}

// Config controls the append pipeline.
//
// Defaults (when fields are zero):
//   - buffer: 256
type Config struct {
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

type Ledger struct {
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus

	ch      chan Record
	dropped atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Ledger {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		log:    log,
		store:  store,
		bus:    bus,
		ch:     make(chan Record, cfg.Buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Append enqueues a record for persistence. Never blocks: when the buffer is
// full the record is dropped, the drop counter advances, and a bus event is
// published so operators can see the loss.
func (l *Ledger) Append(r Record) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	select {
	case l.ch <- r:
	default:
		n := l.dropped.Add(1)
		l.log.Warn("ledger buffer full, record dropped",
			logx.String("task", r.TaskID),
			logx.Uint64("total_dropped", n),
		)
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.LedgerDropped, Data: n})
		}
	}
}

// Dropped returns the number of records lost to a full buffer.
func (l *Ledger) Dropped() uint64 { return l.dropped.Load() }

func (l *Ledger) writeLoop() {
	defer close(l.doneCh)
	for {
		select {
		case r := <-l.ch:
			l.persist(r)
		case <-l.stopCh:
			// Drain what is already buffered, then exit.
			for {
				select {
				case r := <-l.ch:
					l.persist(r)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) persist(r Record) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.store.AppendActivity(ctx, storage.ActivityRecord{
		At:        r.At,
		TaskID:    r.TaskID,
		AccountID: r.AccountID,
		ProxyID:   r.ProxyID,
		Kind:      r.Kind,
		Outcome:   r.Outcome.String(),
		Detail:    r.Detail,
		Attempt:   r.Attempt,
		TookMS:    r.Took.Milliseconds(),
	})
	if err != nil {
		l.log.Error("activity append failed", logx.Err(err), logx.String("task", r.TaskID))
	}
}

// Close stops the writer after draining buffered records.
func (l *Ledger) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Query returns records with At >= since, oldest first.
func (l *Ledger) Query(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if l.store == nil {
		return nil, nil
	}
	rows, err := l.store.ActivitySince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// QueryResource returns the records touching one account or proxy, oldest
// first. This is the read surface handed to external reporting.
func (l *Ledger) QueryResource(ctx context.Context, resourceID string, since time.Time, limit int) ([]Record, error) {
	if l.store == nil {
		return nil, nil
	}
	rows, err := l.store.ActivityFor(ctx, resourceID, since, limit)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func fromRows(rows []storage.ActivityRecord) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			At:        row.At,
			TaskID:    row.TaskID,
			AccountID: row.AccountID,
			ProxyID:   row.ProxyID,
			Kind:      row.Kind,
			Outcome:   health.ParseOutcome(row.Outcome),
			Detail:    row.Detail,
			Attempt:   row.Attempt,
			Took:      time.Duration(row.TookMS) * time.Millisecond,
		})
	}
	return out
}

// Prune removes persisted records older than the cutoff and returns how many
// were dropped.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	if l.store == nil {
		return 0, nil
	}
	return l.store.PruneActivity(ctx, before)
}

// Summary aggregates outcomes per account over a window. Used by the daily
// report.
type Summary struct {
	Accounts map[string]OutcomeCounts
	Total    OutcomeCounts
}

type OutcomeCounts struct {
	Success   int
	Transient int
	SoftLimit int
	HardBlock int
}

func (c *OutcomeCounts) add(o health.Outcome) {
	switch o {
	case health.Success:
		c.Success++
	case health.SoftLimit:
		c.SoftLimit++
	case health.HardBlock:
		c.HardBlock++
	default:
		c.Transient++
	}
}

func (l *Ledger) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	recs, err := l.Query(ctx, since, 0)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Accounts: map[string]OutcomeCounts{}}
	for _, r := range recs {
		c := s.Accounts[r.AccountID]
		c.add(r.Outcome)
		s.Accounts[r.AccountID] = c
		s.Total.add(r.Outcome)
	}
	return s, nil
}

// Rehydrate replays persisted outcomes into the health tracker so restarts do
// not forget recent blocks and cooldowns.
func (l *Ledger) Rehydrate(ctx context.Context, since time.Time, accounts, proxies *health.Tracker) (int, error) {
	recs, err := l.Query(ctx, since, 0)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if accounts != nil && r.AccountID != "" {
			accounts.Replay(r.AccountID, r.Outcome, r.At)
		}
		if proxies != nil && r.ProxyID != "" {
			proxies.Replay(r.ProxyID, r.Outcome, r.At)
		}
	}
	return len(recs), nil
}
