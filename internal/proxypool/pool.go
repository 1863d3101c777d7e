package proxypool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"drover/internal/health"
	logx "drover/pkg/logx"
)

// ErrNoneAvailable means every endpoint is unhealthy, cooling down, or at its
// assignment cap. Callers must treat it as "retry later", never as fatal.
var ErrNoneAvailable = errors.New("proxy pool: no endpoint available")

// Endpoint is one proxy egress point.
// AuthRef is an opaque credential handle resolved by the external vault; the
// pool never holds raw secrets.
type Endpoint struct {
	ID       string
	Addr     string // host:port
	Protocol string // "http" or "socks5"
	AuthRef  string
}

// Config controls assignment limits.
//
// Defaults (when fields are zero):
//   - max_per_proxy: 3
type Config struct {
	// MaxPerProxy caps concurrent account assignments per endpoint.
	MaxPerProxy int
}

func (c Config) withDefaults() Config {
	if c.MaxPerProxy <= 0 {
		c.MaxPerProxy = 3
	}
	return c
}

type slot struct {
	ep       Endpoint
	assigned int
	lastUsed time.Time
}

// Pool owns the endpoint registry. Assignment counters are only mutated under
// the pool mutex; Release must run on every exit path, which Lease guarantees
// via a once-guard.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	health *health.Tracker
	slots  map[string]*slot

	now func() time.Time
}

func New(cfg Config, tracker *health.Tracker, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		log:    log,
		health: tracker,
		slots:  make(map[string]*slot),
		now:    time.Now,
	}
}

// SetNow replaces the pool's clock. Intended for tests.
func (p *Pool) SetNow(now func() time.Time) {
	p.mu.Lock()
	if now != nil {
		p.now = now
	}
	p.mu.Unlock()
}

// Add registers an endpoint. Re-adding an existing ID updates the address and
// auth reference but keeps the current assignment count.
func (p *Pool) Add(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[ep.ID]; s != nil {
		s.ep = ep
		return
	}
	p.slots[ep.ID] = &slot{ep: ep}
}

// Remove drops an endpoint from selection. In-flight leases stay valid until
// released.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// Lease is a held assignment on one endpoint.
// Release is idempotent; calling it on every exit path is safe and required.
type Lease struct {
	ep   Endpoint
	pool *Pool
	once sync.Once
}

func (l *Lease) Endpoint() Endpoint { return l.ep }

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.pool.release(l.ep.ID) })
}

// Acquire picks the eligible endpoint with the fewest assignments, tie-broken
// by the oldest last-used timestamp, and increments its assignment count.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *slot
	for _, s := range p.slots {
		if s.assigned >= p.cfg.MaxPerProxy {
			continue
		}
		if p.health != nil && !p.health.Eligible(s.ep.ID, now) {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		if s.assigned < best.assigned ||
			(s.assigned == best.assigned && s.lastUsed.Before(best.lastUsed)) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoneAvailable
	}

	best.assigned++
	best.lastUsed = now
	return &Lease{ep: best.ep, pool: p}, nil
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[id]
	if s == nil {
		return
	}
	if s.assigned > 0 {
		s.assigned--
	}
}

// ReportOutcome feeds an action outcome observed through an endpoint into
// health tracking.
func (p *Pool) ReportOutcome(id string, o health.Outcome) {
	if p.health != nil {
		p.health.Observe(id, o)
	}
}

// Assigned returns the current assignment count for an endpoint.
func (p *Pool) Assigned(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[id]; s != nil {
		return s.assigned
	}
	return 0
}

// EndpointState is a point-in-time view used by reporting and diagnostics.
type EndpointState struct {
	Endpoint      Endpoint
	Assigned      int
	LastUsed      time.Time
	Score         float64
	CooldownUntil time.Time
}

// Snapshot returns all endpoints ordered by ID.
func (p *Pool) Snapshot() []EndpointState {
	p.mu.Lock()
	out := make([]EndpointState, 0, len(p.slots))
	for _, s := range p.slots {
		st := EndpointState{Endpoint: s.ep, Assigned: s.assigned, LastUsed: s.lastUsed}
		out = append(out, st)
	}
	p.mu.Unlock()

	for i := range out {
		if p.health != nil {
			out[i].Score = p.health.Score(out[i].Endpoint.ID)
			out[i].CooldownUntil = p.health.CooldownUntil(out[i].Endpoint.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.ID < out[j].Endpoint.ID })
	return out
}
