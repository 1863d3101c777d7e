package health

import (
	"sync"
	"time"

	logx "drover/pkg/logx"
)

// Config controls health scoring and cooldowns.
//
// Thresholds and caps are deployment policy, not engine policy: the defaults
// below are conservative starting points and should be tuned per deployment.
//
// Defaults (when fields are zero):
//   - alpha: 0.25
//   - floor: 0.3
//   - cooldown_base: 5m
//   - cooldown_max: 6h
type Config struct {
	// Alpha is the EWMA weight of the newest sample (0 < alpha <= 1).
	Alpha float64
	// Floor is the minimum score a resource needs to be schedulable.
	Floor float64
	// CooldownBase is the first HardBlock cooldown; each consecutive
	// HardBlock doubles it.
	CooldownBase time.Duration
	// CooldownMax caps the exponential cooldown growth.
	CooldownMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.25
	}
	if c.Floor <= 0 || c.Floor >= 1 {
		c.Floor = 0.3
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 5 * time.Minute
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 6 * time.Hour
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = c.CooldownBase
	}
	return c
}

type entry struct {
	score         float64
	observed      uint64
	consecHard    int
	consecFail    int
	cooldownUntil time.Time
	lastOutcome   Outcome
	lastFailure   time.Time
}

// Tracker holds in-memory health state for a set of resources.
//
// State is recomputed from the activity ledger on restart rather than
// persisted; losing it degrades scheduling quality, not correctness.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	entries map[string]*entry

	// now is injectable for tests.
	now func() time.Time
}

func NewTracker(cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		cfg:     cfg.withDefaults(),
		log:     log,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetNow replaces the tracker's clock. Intended for tests.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	if now != nil {
		t.now = now
	}
	t.mu.Unlock()
}

// Observe records one outcome for a resource at the current time.
func (t *Tracker) Observe(id string, o Outcome) {
	t.mu.Lock()
	t.observeLocked(id, o, t.now())
	t.mu.Unlock()
}

// Replay records a historical outcome at its original timestamp. Used to
// rebuild health state from the ledger on startup; cooldowns computed from old
// HardBlocks expire naturally if their window has already passed.
func (t *Tracker) Replay(id string, o Outcome, at time.Time) {
	t.mu.Lock()
	t.observeLocked(id, o, at)
	t.mu.Unlock()
}

func (t *Tracker) observeLocked(id string, o Outcome, at time.Time) {
	e := t.entries[id]
	if e == nil {
		e = &entry{score: 1}
		t.entries[id] = e
	}
	e.observed++
	e.lastOutcome = o

	switch o {
	case Success:
		e.score += t.cfg.Alpha * (1 - e.score)
		e.consecHard = 0
		e.consecFail = 0
		e.cooldownUntil = time.Time{}
	case Transient, SoftLimit:
		e.score += t.cfg.Alpha * (0 - e.score)
		e.consecFail++
		e.lastFailure = at
		// When repeated soft failures push a resource below the floor, give it
		// a fixed (non-escalating) cooldown so it re-enters on probation
		// instead of being excluded forever.
		if e.score < t.cfg.Floor && e.cooldownUntil.Before(at) {
			e.cooldownUntil = at.Add(t.cfg.CooldownBase)
		}
	case HardBlock:
		e.score = 0
		e.consecHard++
		e.consecFail++
		e.lastFailure = at
		e.cooldownUntil = at.Add(t.hardCooldown(e.consecHard))
		t.log.Warn("resource hard-blocked",
			logx.String("resource", id),
			logx.Int("consecutive", e.consecHard),
			logx.Time("cooldown_until", e.cooldownUntil),
		)
	}
}

// hardCooldown is base * 2^(n-1), capped.
func (t *Tracker) hardCooldown(consecutive int) time.Duration {
	d := t.cfg.CooldownBase
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= t.cfg.CooldownMax {
			return t.cfg.CooldownMax
		}
	}
	if d > t.cfg.CooldownMax {
		d = t.cfg.CooldownMax
	}
	return d
}

// Score returns the current health score in [0,1].
// Unknown resources are optimistically healthy.
func (t *Tracker) Score(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil {
		return 1
	}
	t.refreshLocked(e, t.now())
	return e.score
}

// CooldownUntil returns the cooldown deadline, zero if none is active.
func (t *Tracker) CooldownUntil(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil {
		return time.Time{}
	}
	return e.cooldownUntil
}

// Eligible reports whether the resource may be scheduled at the given time:
// its cooldown has elapsed and its score is at or above the floor.
func (t *Tracker) Eligible(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil {
		return true
	}
	if at.Before(e.cooldownUntil) {
		return false
	}
	t.refreshLocked(e, at)
	return e.score >= t.cfg.Floor
}

// refreshLocked applies probationary re-entry: once a below-floor resource's
// cooldown has elapsed, its score is lifted to exactly the floor, so a single
// success heals it and a single failure drops it back out.
func (t *Tracker) refreshLocked(e *entry, at time.Time) {
	if e.score < t.cfg.Floor && !e.cooldownUntil.IsZero() && !at.Before(e.cooldownUntil) {
		e.score = t.cfg.Floor
	}
}

// Floor exposes the configured health floor for callers that pre-filter.
func (t *Tracker) Floor() float64 { return t.cfg.Floor }

// ResourceState is a point-in-time view of one tracked resource.
type ResourceState struct {
	ID                   string
	Score                float64
	Observed             uint64
	ConsecutiveFailures  int
	ConsecutiveHardBlock int
	CooldownUntil        time.Time
	LastOutcome          Outcome
	LastFailure          time.Time
}

// Snapshot returns the state of every tracked resource. Reporting only.
func (t *Tracker) Snapshot() []ResourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ResourceState, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, ResourceState{
			ID:                   id,
			Score:                e.score,
			Observed:             e.observed,
			ConsecutiveFailures:  e.consecFail,
			ConsecutiveHardBlock: e.consecHard,
			CooldownUntil:        e.cooldownUntil,
			LastOutcome:          e.lastOutcome,
			LastFailure:          e.lastFailure,
		})
	}
	return out
}
