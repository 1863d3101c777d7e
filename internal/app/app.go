// Package app assembles the engine from configuration: storage, health
// trackers, the proxy pool, the account registry, sessions, rate limits, the
// ledger, the scheduler, and maintenance, then runs them under one
// supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"drover/internal/account"
	"drover/internal/config"
	"drover/internal/dispatch"
	"drover/internal/eventbus"
	"drover/internal/health"
	"drover/internal/ledger"
	"drover/internal/maintenance"
	"drover/internal/proxypool"
	"drover/internal/ratelimit"
	"drover/internal/runtime/supervisor"
	"drover/internal/sched"
	"drover/internal/session"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

type App struct {
	cm     *config.Manager
	cfg    *config.Config
	log    logx.Logger
	logSvc *logx.Service

	store    storage.Store
	bus      eventbus.Bus
	accounts *health.Tracker
	proxies  *health.Tracker
	pool     *proxypool.Pool
	registry *account.Registry
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	journal  *ledger.Ledger
	sched    *sched.Scheduler
	maint    *maintenance.Service

	probe           proxypool.ProbeFunc
	rehydrateWindow time.Duration
}

// New builds the engine. The authenticator and action capability are injected
// by the caller; everything else comes from configuration.
func New(cm *config.Manager, auth session.Authenticator, action dispatch.Action, logSvc *logx.Service) (*App, error) {
	cfg := cm.Get()
	if cfg == nil {
		return nil, fmt.Errorf("app: config not loaded")
	}
	log := logSvc.Logger().With(logx.String("component", "app"))

	a := &App{cm: cm, cfg: cfg, log: log, logSvc: logSvc, bus: eventbus.New()}

	// Storage is optional; everything degrades to in-memory-only.
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, logSvc.Logger().With(logx.String("component", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
	}

	hc, err := healthConfig(cfg.Health)
	if err != nil {
		return nil, err
	}
	a.accounts = health.NewTracker(hc, logSvc.Logger().With(logx.String("component", "health.accounts")))
	a.proxies = health.NewTracker(hc, logSvc.Logger().With(logx.String("component", "health.proxies")))

	a.pool = proxypool.New(proxypool.Config{MaxPerProxy: cfg.ProxyPool.MaxPerProxy}, a.proxies, logSvc.Logger().With(logx.String("component", "proxypool")))
	probeTimeout, err := config.ParseDurationField("proxy_pool.probe_timeout", cfg.ProxyPool.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	a.probe = proxypool.DialProbe(probeTimeout)

	a.registry = account.NewRegistry(logSvc.Logger().With(logx.String("component", "account")))

	ttl, err := config.ParseDurationField("session.ttl", cfg.Session.TTL)
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(
		session.Config{TTL: ttl, Sliding: cfg.Session.Sliding},
		a.pool, a.accounts, account.StaticVault{Registry: a.registry}, auth,
		logSvc.Logger().With(logx.String("component", "session")),
	)

	a.limiter = ratelimit.New(rateConfig(cfg.RateLimit))

	a.journal = ledger.New(ledger.Config{Buffer: cfg.Ledger.Buffer}, a.store, a.bus, logSvc.Logger().With(logx.String("component", "ledger")))
	a.rehydrateWindow, err = config.ParseDurationOrDefault("ledger.rehydrate_window", cfg.Ledger.RehydrateWindow, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	sc, err := schedConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	a.sched = sched.New(sc, sched.Deps{
		Sessions: a.sessions,
		Vault:    account.StaticVault{Registry: a.registry},
		Registry: a.registry,
		Accounts: a.accounts,
		Pool:     a.pool,
		Limiter:  a.limiter,
		Journal:  a.journal,
		Bus:      a.bus,
		Action:   action,
	}, logSvc.Logger().With(logx.String("component", "sched")))

	if cfg.Maintenance.Enabled == nil || *cfg.Maintenance.Enabled {
		pruneAfter, err := config.ParseDurationField("maintenance.prune_after", cfg.Maintenance.PruneAfter)
		if err != nil {
			return nil, err
		}
		a.maint = maintenance.New(maintenance.Config{
			ProbeSpec:  cfg.Maintenance.ProbeSpec,
			ReportSpec: cfg.Maintenance.ReportSpec,
			SweepSpec:  cfg.Maintenance.SweepSpec,
			PruneAfter: pruneAfter,
		}, maintenance.Deps{
			Pool:     a.pool,
			Probe:    a.probe,
			Sessions: a.sessions,
			Journal:  a.journal,
			Accounts: a.accounts,
		}, logSvc.Logger().With(logx.String("component", "maintenance")))
	}

	return a, nil
}

// Scheduler exposes the task surface for the external task source.
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

// Bus exposes the event stream for read-only observers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Registry exposes the account registry for read-only callers (reporting,
// task feeders).
func (a *App) Registry() *account.Registry { return a.registry }

// bootstrap seeds the registry and pool from config, restores persisted
// account lifecycle state, and replays recent outcomes into health tracking.
func (a *App) bootstrap(ctx context.Context) error {
	persisted := map[string]storage.AccountSnapshot{}
	if a.store != nil {
		accs, err := a.store.Accounts(ctx)
		if err != nil {
			return fmt.Errorf("load accounts: %w", err)
		}
		for _, snap := range accs {
			persisted[snap.ID] = snap
		}
	}

	for _, ac := range a.cfg.Accounts {
		st := account.State(strings.TrimSpace(ac.State))
		last := time.Time{}
		if snap, ok := persisted[ac.ID]; ok && snap.State != "" {
			// Lifecycle state survives restarts; config only introduces
			// accounts.
			st = account.State(snap.State)
			last = snap.LastAction
		}
		if err := a.registry.Add(account.Account{
			ID:         ac.ID,
			Credential: ac.Credential,
			State:      st,
			LastAction: last,
		}); err != nil {
			return fmt.Errorf("account %s: %w", ac.ID, err)
		}
		if a.store != nil {
			_ = a.store.UpsertAccount(ctx, storage.AccountSnapshot{
				ID: ac.ID, Credential: ac.Credential, State: string(st), LastAction: last,
			})
		}
	}

	configured := map[string]bool{}
	for _, pc := range a.cfg.ProxyPool.Proxies {
		configured[pc.ID] = true
		a.pool.Add(proxypool.Endpoint{ID: pc.ID, Addr: pc.Addr, Protocol: pc.Protocol, AuthRef: pc.AuthRef})
		if a.store != nil {
			_ = a.store.UpsertProxy(ctx, storage.ProxySnapshot{
				ID: pc.ID, Addr: pc.Addr, Protocol: pc.Protocol, AuthRef: pc.AuthRef,
			})
		}
	}
	if a.store != nil {
		stored, err := a.store.Proxies(ctx)
		if err != nil {
			return fmt.Errorf("load proxies: %w", err)
		}
		for _, snap := range stored {
			if !configured[snap.ID] {
				_ = a.store.RemoveProxy(ctx, snap.ID)
			}
		}
	}

	if a.store != nil {
		since := time.Now().Add(-a.rehydrateWindow)
		n, err := a.journal.Rehydrate(ctx, since, a.accounts, a.proxies)
		if err != nil {
			// Health degrades to in-memory-only; recoverable, not fatal.
			a.log.Warn("health rehydration failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("health rehydrated from activity log", logx.Int("records", n))
		}
	}

	a.log.Info("engine bootstrapped",
		logx.Int("accounts", len(a.cfg.Accounts)),
		logx.Int("proxies", len(a.cfg.ProxyPool.Proxies)),
		logx.Bool("persistent", a.store != nil),
	)
	return nil
}

// Run bootstraps and drives the engine until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.logSvc.Logger().With(logx.String("component", "supervisor"))))

	sup.Go("scheduler", a.sched.Run)
	sup.GoRestart("config-watch", a.cm.Watch)
	sup.Go0("config-apply", a.applyConfigUpdates)

	if a.maint != nil {
		if err := a.maint.Start(sup.Context()); err != nil {
			sup.Cancel()
			return err
		}
	}

	<-ctx.Done()
	a.log.Info("shutting down")

	if a.maint != nil {
		a.maint.Stop()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := sup.Stop(stopCtx)
	cancel()

	a.journal.Close()
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("storage close failed", logx.Err(cerr))
		}
	}
	return err
}

// applyConfigUpdates handles live reloads. Only the logging block is applied
// in place; structural changes are logged and take effect on restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cm.Subscribe(1)
	defer a.cm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(a.cfg, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)

			for _, section := range changed {
				if section == "logging" {
					a.logSvc.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				} else {
					a.log.Warn("config section requires restart", logx.String("section", section))
				}
			}
			a.cfg = cfg
		}
	}
}

func healthConfig(hc config.HealthConfig) (health.Config, error) {
	base, err := config.ParseDurationField("health.cooldown_base", hc.CooldownBase)
	if err != nil {
		return health.Config{}, err
	}
	ceil, err := config.ParseDurationField("health.cooldown_max", hc.CooldownMax)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Alpha:        hc.Alpha,
		Floor:        hc.Floor,
		CooldownBase: base,
		CooldownMax:  ceil,
	}, nil
}

func rateConfig(rc config.RateLimitConfig) ratelimit.Config {
	out := ratelimit.Config{
		Account: ratelimit.Bucket{Rate: rc.Account.Rate, Burst: rc.Account.Burst},
		Proxy:   ratelimit.Bucket{Rate: rc.Proxy.Rate, Burst: rc.Proxy.Burst},
	}
	if len(rc.PerKind) > 0 {
		out.PerKind = make(map[string]ratelimit.Bucket, len(rc.PerKind))
		for kind, b := range rc.PerKind {
			out.PerKind[kind] = ratelimit.Bucket{Rate: b.Rate, Burst: b.Burst}
		}
	}
	return out
}

func schedConfig(sc config.SchedulerConfig) (sched.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.dispatch_timeout", sc.DispatchTimeout)
	if err != nil {
		return sched.Config{}, err
	}
	jmin, err := config.ParseDurationField("scheduler.jitter_min", sc.JitterMin)
	if err != nil {
		return sched.Config{}, err
	}
	jmax, err := config.ParseDurationField("scheduler.jitter_max", sc.JitterMax)
	if err != nil {
		return sched.Config{}, err
	}
	base, err := config.ParseDurationField("scheduler.backoff_base", sc.BackoffBase)
	if err != nil {
		return sched.Config{}, err
	}
	ceil, err := config.ParseDurationField("scheduler.backoff_cap", sc.BackoffCap)
	if err != nil {
		return sched.Config{}, err
	}

	spacingBase, err := config.ParseDurationField("scheduler.spacing.base", sc.Spacing.Base)
	if err != nil {
		return sched.Config{}, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(sc.Hours.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return sched.Config{}, fmt.Errorf("scheduler.hours.timezone: %w", err)
		}
	}

	return sched.Config{
		Workers:         sc.Workers,
		DispatchTimeout: timeout,
		JitterMin:       jmin,
		JitterMax:       jmax,
		Retry: sched.Policy{
			MaxAttempts: sc.MaxAttempts,
			BackoffBase: base,
			BackoffCap:  ceil,
		},
		Hours:   sched.Hours{Start: sc.Hours.Start, End: sc.Hours.End, Location: loc},
		Spacing: sched.Spacing{Base: spacingBase, Variance: sc.Spacing.Variance},
		Seed:    sc.Seed,
	}, nil
}
