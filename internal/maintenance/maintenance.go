// Package maintenance runs the engine's recurring background jobs on cron
// schedules: proxy reachability probes, expired-session sweeps, activity-log
// pruning, and the daily status report.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"drover/internal/health"
	"drover/internal/ledger"
	"drover/internal/proxypool"
	"drover/internal/session"
	logx "drover/pkg/logx"
)

// Config holds the cron specs (standard five-field syntax).
//
// Defaults (when fields are empty/zero):
//   - probe_spec: "*/10 * * * *"
//   - report_spec: "0 4 * * *"
//   - sweep_spec: "*/5 * * * *"
//   - prune_after: 720h
type Config struct {
	ProbeSpec  string
	ReportSpec string
	SweepSpec  string
	PruneAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeSpec == "" {
		c.ProbeSpec = "*/10 * * * *"
	}
	if c.ReportSpec == "" {
		c.ReportSpec = "0 4 * * *"
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "*/5 * * * *"
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 720 * time.Hour
	}
	return c
}

// Deps are the engine surfaces maintenance operates on. Nil fields skip the
// corresponding jobs.
type Deps struct {
	Pool     *proxypool.Pool
	Probe    proxypool.ProbeFunc
	Sessions *session.Manager
	Journal  *ledger.Ledger
	Accounts *health.Tracker
}

type Service struct {
	cfg  Config
	log  logx.Logger
	deps Deps
	cron *cron.Cron
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, deps: deps}
}

// Start registers the jobs and begins the cron loop. The jobs hold ctx for
// their own cancellation; Stop halts scheduling.
func (s *Service) Start(ctx context.Context) error {
	c := cron.New()

	if s.deps.Pool != nil {
		if _, err := c.AddFunc(s.cfg.ProbeSpec, func() { s.runProbe(ctx) }); err != nil {
			return fmt.Errorf("probe spec %q: %w", s.cfg.ProbeSpec, err)
		}
	}
	if s.deps.Sessions != nil {
		if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.runSweep() }); err != nil {
			return fmt.Errorf("sweep spec %q: %w", s.cfg.SweepSpec, err)
		}
	}
	if s.deps.Journal != nil {
		if _, err := c.AddFunc(s.cfg.ReportSpec, func() { s.runReport(ctx) }); err != nil {
			return fmt.Errorf("report spec %q: %w", s.cfg.ReportSpec, err)
		}
		// Pruning piggybacks on the report schedule; both are daily-scale.
		if _, err := c.AddFunc(s.cfg.ReportSpec, func() { s.runPrune(ctx) }); err != nil {
			return fmt.Errorf("prune spec %q: %w", s.cfg.ReportSpec, err)
		}
	}

	s.cron = c
	c.Start()
	s.log.Info("maintenance started",
		logx.String("probe", s.cfg.ProbeSpec),
		logx.String("sweep", s.cfg.SweepSpec),
		logx.String("report", s.cfg.ReportSpec),
	)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Service) runProbe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.deps.Pool.Probe(ctx, s.deps.Probe)
}

func (s *Service) runSweep() {
	if n := s.deps.Sessions.SweepExpired(); n > 0 {
		s.log.Info("expired sessions swept", logx.Int("count", n))
	}
}

func (s *Service) runPrune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PruneAfter)
	n, err := s.deps.Journal.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error("activity prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("activity log pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
}

// runReport logs a one-day digest of outcomes per account plus current
// resource health, the operator's morning summary.
func (s *Service) runReport(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	sum, err := s.deps.Journal.Summarize(ctx, since)
	if err != nil {
		s.log.Error("daily report failed", logx.Err(err))
		return
	}

	s.log.Info("daily activity report",
		logx.Int("accounts", len(sum.Accounts)),
		logx.Int("success", sum.Total.Success),
		logx.Int("transient", sum.Total.Transient),
		logx.Int("soft_limit", sum.Total.SoftLimit),
		logx.Int("hard_block", sum.Total.HardBlock),
		logx.Uint64("ledger_dropped", s.deps.Journal.Dropped()),
	)
	for id, c := range sum.Accounts {
		s.log.Info("account digest",
			logx.String("account", id),
			logx.Int("success", c.Success),
			logx.Int("transient", c.Transient),
			logx.Int("soft_limit", c.SoftLimit),
			logx.Int("hard_block", c.HardBlock),
		)
	}
	if s.deps.Accounts != nil {
		for _, r := range s.deps.Accounts.Snapshot() {
			s.log.Debug("resource health",
				logx.String("resource", r.ID),
				logx.Float64("score", r.Score),
				logx.Time("cooldown_until", r.CooldownUntil),
			)
		}
	}
}
