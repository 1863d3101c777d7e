// Package sched is the engagement control loop: it pulls eligible tasks in
// not-before order, binds each to a session and a rate slot, adds humanized
// jitter, dispatches with a bounded timeout, and folds the outcome back into
// health, account, and ledger state.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"drover/internal/account"
	"drover/internal/dispatch"
	"drover/internal/eventbus"
	"drover/internal/health"
	"drover/internal/ledger"
	"drover/internal/proxypool"
	"drover/internal/ratelimit"
	"drover/internal/session"
	logx "drover/pkg/logx"
)

var (
	ErrUnknownTask = errors.New("sched: unknown task")
	ErrBadTask     = errors.New("sched: invalid task")
)

// Policy is the retry strategy applied to transient failures. Soft limits
// defer without consuming the budget; hard blocks never retry.
//
// Defaults (when fields are zero):
//   - max_attempts: 4
//   - backoff_base: 5s, backoff_cap: 10m
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 5 * time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 10 * time.Minute
	}
	return p
}

// backoff returns the delay before the given retry attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// Hours is the daily activity window in whole hours. Start == End means
// always open; End < Start wraps past midnight.
type Hours struct {
	Start    int
	End      int
	Location *time.Location
}

func (h Hours) loc() *time.Location {
	if h.Location != nil {
		return h.Location
	}
	return time.Local
}

func (h Hours) Open(at time.Time) bool {
	if h.Start == h.End {
		return true
	}
	hour := at.In(h.loc()).Hour()
	if h.Start < h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// NextOpen returns the next instant the window opens at or after at.
func (h Hours) NextOpen(at time.Time) time.Time {
	if h.Open(at) {
		return at
	}
	local := at.In(h.loc())
	open := time.Date(local.Year(), local.Month(), local.Day(), h.Start, 0, 0, 0, h.loc())
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// Config controls the scheduler.
//
// Defaults (when fields are zero):
//   - workers: 3
//   - dispatch_timeout: 30s
//   - jitter: 1s..5s uniform
type Config struct {
	Workers         int
	DispatchTimeout time.Duration
	JitterMin       time.Duration
	JitterMax       time.Duration
	Retry           Policy
	Hours           Hours
	Spacing         Spacing
	Seed            int64
}

// Spacing staggers freshly enqueued tasks for the same account: each task's
// not-before lands Base apart from the previous one, scaled by a uniform draw
// in [1-Variance, 1+Variance]. Zero Base disables spacing. Tasks enqueued with
// an explicit not-before are left alone.
type Spacing struct {
	Base     time.Duration
	Variance float64
}

func (p Spacing) withDefaults() Spacing {
	if p.Variance < 0 {
		p.Variance = 0
	}
	if p.Variance > 1 {
		p.Variance = 1
	}
	return p
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.JitterMin < 0 {
		c.JitterMin = 0
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 5 * time.Second
		if c.JitterMin == 0 {
			c.JitterMin = time.Second
		}
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	c.Retry = c.Retry.withDefaults()
	c.Spacing = c.Spacing.withDefaults()
	return c
}

// Scheduler owns every task from Enqueue until a terminal state.
type Scheduler struct {
	cfg      Config
	log      logx.Logger
	sessions *session.Manager
	vault    account.Vault
	registry *account.Registry
	accounts *health.Tracker
	pool     *proxypool.Pool
	limiter  *ratelimit.Limiter
	journal  *ledger.Ledger
	bus      eventbus.Bus
	action   dispatch.Action

	mu       sync.Mutex
	queue    taskHeap
	tasks    map[string]*Task
	seq      uint64
	now      func() time.Time
	nextSlot map[string]time.Time // per-account spacing cursor

	rngMu sync.Mutex
	rng   *rand.Rand

	wake    chan struct{}
	permits chan struct{}
	wg      sync.WaitGroup
}

// Deps bundles the collaborators the scheduler drives.
type Deps struct {
	Sessions *session.Manager
	Vault    account.Vault
	Registry *account.Registry
	Accounts *health.Tracker
	Pool     *proxypool.Pool
	Limiter  *ratelimit.Limiter
	Journal  *ledger.Ledger
	Bus      eventbus.Bus
	Action   dispatch.Action
}

func New(cfg Config, deps Deps, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		sessions: deps.Sessions,
		vault:    deps.Vault,
		registry: deps.Registry,
		accounts: deps.Accounts,
		pool:     deps.Pool,
		limiter:  deps.Limiter,
		journal:  deps.Journal,
		bus:      deps.Bus,
		action:   deps.Action,
		tasks:    map[string]*Task{},
		nextSlot: map[string]time.Time{},
		now:      time.Now,
		rng:      rand.New(rand.NewSource(seed)),
		wake:     make(chan struct{}, 1),
		permits:  make(chan struct{}, cfg.Workers),
	}
}

// SetNow replaces the scheduler's clock. Intended for tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.mu.Lock()
	if now != nil {
		s.now = now
	}
	s.mu.Unlock()
}

// Enqueue accepts a task from the external source and returns its ID.
func (s *Scheduler) Enqueue(t Task) (string, error) {
	if t.AccountID == "" {
		return "", fmt.Errorf("%w: missing account id", ErrBadTask)
	}
	if t.Kind == "" {
		return "", fmt.Errorf("%w: missing action kind", ErrBadTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate id %s", ErrBadTask, t.ID)
	}
	now := s.now()
	t.State = StatePending
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = s.spacedSlot(t.AccountID, now)
	}
	s.seq++
	t.seq = s.seq
	t.index = -1
	task := &t
	s.tasks[task.ID] = task
	heap.Push(&s.queue, task)
	s.mu.Unlock()

	s.publish(eventbus.TaskEnqueued, task.ID)
	s.kick()
	return task.ID, nil
}

// Status returns the current view of a task.
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Status{}, ErrUnknownTask
	}
	return t.status(), nil
}

// Cancel removes a queued task. Running tasks are not interrupted; canceling
// them, or a task already terminal, reports false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.State.Terminal() || t.State == StateRunning {
		s.mu.Unlock()
		return false
	}
	s.queue.remove(t)
	t.State = StateCanceled
	t.Reason = "canceled by operator"
	s.mu.Unlock()
	s.publish(eventbus.TaskCanceled, id)
	return true
}

// Snapshot lists all known tasks, queued order first.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].ID < out[j].ID
		}
		return out[i].NotBefore.Before(out[j].NotBefore)
	})
	return out
}

func (t *Task) status() Status {
	return Status{
		ID:        t.ID,
		AccountID: t.AccountID,
		Kind:      t.Kind,
		State:     t.State,
		NotBefore: t.NotBefore,
		Attempt:   t.Attempt,
		Reason:    t.Reason,
	}
}

// Run drives the control loop until ctx is canceled, then waits for in-flight
// workers to wind down. In-flight tasks interrupted by cancellation return to
// Pending, so a canceled run is resumable.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		task, wait := s.nextRunnable()
		if task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-time.After(wait):
			}
			continue
		}

		select {
		case s.permits <- struct{}{}:
		case <-ctx.Done():
			s.requeue(task, task.NotBefore, task.Reason, StatePending)
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				<-s.permits
				s.kick()
			}()
			s.runTask(ctx, task)
		}()
	}
}

// nextRunnable pops the oldest eligible task and marks it Running, or returns
// how long to sleep before the queue has anything eligible.
func (s *Scheduler) nextRunnable() (*Task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil, time.Hour
	}
	now := s.now()
	head := s.queue[0]
	if head.NotBefore.After(now) {
		return nil, head.NotBefore.Sub(now)
	}
	heap.Pop(&s.queue)
	head.State = StateRunning
	return head, 0
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(typ, taskID string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: taskID})
	}
}

// requeue puts a non-terminal task back on the queue.
func (s *Scheduler) requeue(t *Task, notBefore time.Time, reason string, state TaskState) {
	s.mu.Lock()
	t.State = state
	t.NotBefore = notBefore
	t.Reason = reason
	heap.Push(&s.queue, t)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) deferTask(t *Task, notBefore time.Time, reason string) {
	s.requeue(t, notBefore, reason, StateDeferred)
	s.publish(eventbus.TaskDeferred, t.ID)
	s.log.Debug("task deferred",
		logx.String("task", t.ID),
		logx.String("account", t.AccountID),
		logx.Time("not_before", notBefore),
		logx.String("reason", reason),
	)
}

func (s *Scheduler) finish(t *Task, state TaskState, reason string) {
	s.mu.Lock()
	t.State = state
	t.Reason = reason
	s.mu.Unlock()
	if state == StateSucceeded {
		s.publish(eventbus.TaskSucceeded, t.ID)
	} else {
		s.publish(eventbus.TaskFailed, t.ID)
		s.log.Info("task failed",
			logx.String("task", t.ID),
			logx.String("account", t.AccountID),
			logx.String("reason", reason),
		)
	}
}

// spacedSlot hands out the account's next free slot and advances the cursor
// by a variance-scaled gap. Caller holds s.mu.
func (s *Scheduler) spacedSlot(accountID string, now time.Time) time.Time {
	if s.cfg.Spacing.Base <= 0 {
		return now
	}
	at := now
	if slot, ok := s.nextSlot[accountID]; ok && slot.After(at) {
		at = slot
	}
	gap := s.cfg.Spacing.Base
	if v := s.cfg.Spacing.Variance; v > 0 {
		s.rngMu.Lock()
		scale := 1 + v*(2*s.rng.Float64()-1)
		s.rngMu.Unlock()
		gap = time.Duration(float64(gap) * scale)
	}
	s.nextSlot[accountID] = at.Add(gap)
	return at
}

func (s *Scheduler) jitter() time.Duration {
	if s.cfg.JitterMax <= s.cfg.JitterMin {
		return s.cfg.JitterMin
	}
	s.rngMu.Lock()
	d := s.cfg.JitterMin + time.Duration(s.rng.Int63n(int64(s.cfg.JitterMax-s.cfg.JitterMin)))
	s.rngMu.Unlock()
	return d
}

// runTask executes the full pipeline for one task: session, rate admission,
// jitter wait, dispatch, and outcome bookkeeping.
func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	now := s.clockNow()

	if s.registry != nil && !s.registry.Schedulable(t.AccountID) {
		state := "unschedulable"
		if a, ok := s.registry.Get(t.AccountID); ok {
			state = string(a.State)
		}
		s.finish(t, StateFailed, "account "+state)
		return
	}

	if !s.cfg.Hours.Open(now) {
		s.deferTask(t, s.cfg.Hours.NextOpen(now), "outside activity hours")
		return
	}

	s.publish(eventbus.TaskStarted, t.ID)

	sess, err := s.sessions.GetOrCreate(ctx, t.AccountID)
	if err != nil {
		s.handleSessionError(ctx, t, err, now)
		return
	}

	cred, err := s.vault.Resolve(ctx, t.AccountID)
	if err != nil {
		// Missing credentials are a configuration fault: fail fast.
		s.finish(t, StateFailed, err.Error())
		return
	}

	decision := s.limiter.Admit(now, t.AccountID, sess.Proxy.ID, string(t.Kind))
	if !decision.OK {
		s.deferTask(t, decision.NotBefore, "rate limited")
		return
	}

	if !s.sleep(ctx, s.jitter()) {
		s.requeue(t, t.NotBefore, "run canceled", StatePending)
		return
	}

	started := s.clockNow()
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	res, execErr := s.action.Execute(dctx, cred, sess.Proxy, t.Kind, t.Payload)
	cancel()
	took := s.clockNow().Sub(started)

	if ctx.Err() != nil {
		// Run-level cancellation: the attempt is void, the task resumable.
		s.requeue(t, t.NotBefore, "run canceled", StatePending)
		return
	}

	outcome := dispatch.Classify(res, execErr)
	s.record(t, sess, outcome, res, took)
	s.settle(t, sess, outcome, res)
}

func (s *Scheduler) handleSessionError(ctx context.Context, t *Task, err error, now time.Time) {
	if ctx.Err() != nil {
		s.requeue(t, t.NotBefore, "run canceled", StatePending)
		return
	}
	switch {
	case errors.Is(err, session.ErrNoProxyAvailable):
		s.deferTask(t, now.Add(s.cfg.Retry.BackoffBase), "no proxy available")
	case errors.Is(err, session.ErrAccountCooling):
		until := now.Add(s.cfg.Retry.BackoffBase)
		if s.accounts != nil {
			if cd := s.accounts.CooldownUntil(t.AccountID); cd.After(until) {
				until = cd
			}
		}
		s.deferTask(t, until, "account cooling")
	case errors.Is(err, session.ErrAuthFailed):
		if s.bumpAttempt(t) >= s.cfg.Retry.MaxAttempts {
			s.finish(t, StateFailed, "authentication failed: retry budget exhausted")
			return
		}
		s.deferTask(t, now.Add(s.cfg.Retry.backoff(t.Attempt)), "authentication failed")
	default:
		// Vault and programmer errors are operator-visible, not retried.
		s.finish(t, StateFailed, err.Error())
	}
}

func (s *Scheduler) record(t *Task, sess *session.Session, outcome health.Outcome, res dispatch.Result, took time.Duration) {
	now := s.clockNow()
	if s.journal != nil {
		s.journal.Append(ledger.Record{
			At:        now,
			TaskID:    t.ID,
			AccountID: t.AccountID,
			ProxyID:   sess.Proxy.ID,
			Kind:      string(t.Kind),
			Outcome:   outcome,
			Detail:    res.Detail,
			Attempt:   t.Attempt,
			Took:      took,
		})
	}
	if s.accounts != nil {
		s.accounts.Observe(t.AccountID, outcome)
	}
	if s.pool != nil {
		s.pool.ReportOutcome(sess.Proxy.ID, outcome)
	}
	if s.registry != nil {
		s.registry.ApplyOutcome(t.AccountID, outcome, res.Detail)
		s.registry.MarkAction(t.AccountID, now)
	}
}

// settle applies the outcome to the task's state machine.
func (s *Scheduler) settle(t *Task, sess *session.Session, outcome health.Outcome, res dispatch.Result) {
	now := s.clockNow()
	switch outcome {
	case health.Success:
		s.finish(t, StateSucceeded, "")

	case health.HardBlock:
		// The session is bound to a blocked account; drop it so no further
		// traffic rides the same binding.
		s.sessions.Invalidate(t.AccountID)
		reason := res.Detail
		if reason == "" {
			reason = "hard block"
		}
		s.finish(t, StateFailed, reason)

	case health.SoftLimit:
		// Expected rate pushback: defer without spending the retry budget.
		delay := res.RetryAfter
		if delay <= 0 {
			delay = s.cfg.Retry.backoff(t.Attempt + 1)
		}
		s.deferTask(t, now.Add(delay), "soft limit")

	default: // Transient
		if s.bumpAttempt(t) >= s.cfg.Retry.MaxAttempts {
			reason := res.Detail
			if reason == "" {
				reason = "transient failure"
			}
			s.finish(t, StateFailed, "retry budget exhausted: "+reason)
			return
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = s.cfg.Retry.backoff(t.Attempt)
		}
		s.deferTask(t, now.Add(delay), "transient failure")
	}
}

func (s *Scheduler) bumpAttempt(t *Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Attempt++
	return t.Attempt
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) clockNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}
