package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"drover/internal/account"
	"drover/internal/app"
	"drover/internal/config"
	"drover/internal/dispatch"
	"drover/internal/proxypool"
	"drover/internal/sched"
	"drover/internal/session"
	logx "drover/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./drover.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cm := config.NewManager(cfgPath)
	cfg, err := cm.Load()
	if err != nil {
		fmt.Println("fatal: config:", err)
		os.Exit(1)
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	cm.SetLogger(rootLog.With(logx.String("component", "config")))

	// The wire client is deployment-specific and linked by the integrator.
	// This binary ships only the rehearsal capability for dry runs.
	if !cfg.Rehearsal.Enabled {
		fmt.Println("fatal: no action capability configured; set rehearsal.enabled for a dry run")
		os.Exit(1)
	}
	action, auth, err := buildRehearsal(cfg.Rehearsal)
	if err != nil {
		fmt.Println("fatal: rehearsal:", err)
		os.Exit(1)
	}

	engine, err := app.New(cm, auth, action, logSvc)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if feed, err := buildFeeder(cfg.Rehearsal, engine); err != nil {
		fmt.Println("fatal: rehearsal feeder:", err)
		os.Exit(1)
	} else if feed != nil {
		go feed(ctx)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = engine.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func buildRehearsal(rc config.RehearsalConfig) (dispatch.Action, session.Authenticator, error) {
	latency, err := config.ParseDurationField("rehearsal.latency", rc.Latency)
	if err != nil {
		return nil, nil, err
	}
	seed := rc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := dispatch.NewRehearsal(seed)
	if rc.SoftLimitOdds > 0 {
		r.SoftLimitOdds = rc.SoftLimitOdds
	}
	if rc.TransientOdds > 0 {
		r.TransientOdds = rc.TransientOdds
	}
	if latency > 0 {
		r.Latency = latency
	}

	// Rehearsal never talks to the outside world, so login always succeeds.
	auth := session.AuthenticatorFunc(func(ctx context.Context, _ account.CredentialRef, _ proxypool.Endpoint) error {
		return ctx.Err()
	})
	return r, auth, nil
}

// buildFeeder returns a loop that enqueues one task per schedulable account
// each interval, simulating an external task source during dry runs.
func buildFeeder(rc config.RehearsalConfig, engine *app.App) (func(ctx context.Context), error) {
	every, err := config.ParseDurationField("rehearsal.enqueue_every", rc.EnqueueEvery)
	if err != nil {
		return nil, err
	}
	if every <= 0 {
		return nil, nil
	}
	kinds := rc.Kinds
	if len(kinds) == 0 {
		kinds = []string{"post", "comment", "upvote"}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return func(ctx context.Context) {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, acc := range engine.Registry().List() {
					if !acc.State.Schedulable() {
						continue
					}
					kind := kinds[rng.Intn(len(kinds))]
					_, _ = engine.Scheduler().Enqueue(sched.Task{
						AccountID: acc.ID,
						Kind:      dispatch.Kind(kind),
					})
				}
			}
		}
	}, nil
}
