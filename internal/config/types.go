package config

// Config is the full engine configuration as read from disk.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so stale or misspelled fields are caught at load
// time rather than silently ignored.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Health      HealthConfig      `json:"health,omitempty"`
	ProxyPool   ProxyPoolConfig   `json:"proxy_pool"`
	Accounts    []AccountConfig   `json:"accounts"`
	Session     SessionConfig     `json:"session,omitempty"`
	RateLimit   RateLimitConfig   `json:"rate_limit,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Ledger      LedgerConfig      `json:"ledger,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Rehearsal   RehearsalConfig   `json:"rehearsal,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./drover.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HealthConfig tunes the outcome scoring shared by accounts and proxies.
//
// Defaults (when fields are omitted/zero):
//   - alpha: 0.25
//   - floor: 0.3
//   - cooldown_base: "5m", cooldown_max: "6h"
type HealthConfig struct {
	Alpha        float64 `json:"alpha,omitempty"`
	Floor        float64 `json:"floor,omitempty"`
	CooldownBase string  `json:"cooldown_base,omitempty"`
	CooldownMax  string  `json:"cooldown_max,omitempty"`
}

type ProxyPoolConfig struct {
	MaxPerProxy  int           `json:"max_per_proxy,omitempty"` // default 3
	ProbeTimeout string        `json:"probe_timeout,omitempty"` // default "10s"
	Proxies      []ProxyConfig `json:"proxies"`
}

type ProxyConfig struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Protocol string `json:"protocol,omitempty"` // e.g. "socks5", "http"
	AuthRef  string `json:"auth_ref,omitempty"` // opaque vault handle, never a secret
}

type AccountConfig struct {
	ID         string `json:"id"`
	Credential string `json:"credential"` // opaque vault handle
	State      string `json:"state,omitempty"`
}

type SessionConfig struct {
	TTL     string `json:"ttl,omitempty"` // default "30m"
	Sliding bool   `json:"sliding,omitempty"`
}

// RateLimitConfig defines the two-tier token buckets. PerKind overrides the
// account bucket for a specific action kind.
type RateLimitConfig struct {
	Account BucketConfig            `json:"account,omitempty"`
	Proxy   BucketConfig            `json:"proxy,omitempty"`
	PerKind map[string]BucketConfig `json:"per_kind,omitempty"`
}

type BucketConfig struct {
	Rate  float64 `json:"rate,omitempty"` // tokens per second
	Burst int     `json:"burst,omitempty"`
}

// SchedulerConfig controls the engagement loop.
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - dispatch_timeout: "30s"
//   - jitter_min/jitter_max: "1s"/"5s"
//   - max_attempts: 4, backoff_base: "5s", backoff_cap: "10m"
type SchedulerConfig struct {
	Workers         int           `json:"workers,omitempty"`
	DispatchTimeout string        `json:"dispatch_timeout,omitempty"`
	JitterMin       string        `json:"jitter_min,omitempty"`
	JitterMax       string        `json:"jitter_max,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	BackoffBase     string        `json:"backoff_base,omitempty"`
	BackoffCap      string        `json:"backoff_cap,omitempty"`
	Hours           HoursConfig   `json:"hours,omitempty"`
	Spacing         SpacingConfig `json:"spacing,omitempty"`
	Seed            int64         `json:"seed,omitempty"` // 0 means time-seeded
}

// SpacingConfig staggers freshly enqueued same-account tasks: consecutive
// tasks land base apart, scaled by a uniform draw in [1-variance, 1+variance].
// Empty base disables spacing.
type SpacingConfig struct {
	Base     string  `json:"base,omitempty"`
	Variance float64 `json:"variance,omitempty"` // fraction in [0,1]
}

// HoursConfig is the daily activity window in whole hours, interpreted in
// Timezone (IANA name; default local). start == end means always open.
type HoursConfig struct {
	Start    int    `json:"start,omitempty"`
	End      int    `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type LedgerConfig struct {
	Buffer int `json:"buffer,omitempty"` // default 256
	// RehydrateWindow bounds how far back outcomes are replayed into health
	// state on startup. Default "24h".
	RehydrateWindow string `json:"rehydrate_window,omitempty"`
}

// MaintenanceConfig schedules the background jobs. Specs use the standard
// five-field cron syntax.
//
// Defaults (when fields are omitted/empty):
//   - probe_spec: "*/10 * * * *"
//   - report_spec: "0 4 * * *"
//   - sweep_spec: "*/5 * * * *"
//   - prune_after: "720h" (30 days)
type MaintenanceConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"` // omitted means enabled
	ProbeSpec  string `json:"probe_spec,omitempty"`
	ReportSpec string `json:"report_spec,omitempty"`
	SweepSpec  string `json:"sweep_spec,omitempty"`
	PruneAfter string `json:"prune_after,omitempty"`
}

// RehearsalConfig drives dry runs against a simulated action capability
// instead of a live wire client.
type RehearsalConfig struct {
	Enabled       bool    `json:"enabled"`
	SoftLimitOdds float64 `json:"soft_limit_odds,omitempty"`
	TransientOdds float64 `json:"transient_odds,omitempty"`
	Latency       string  `json:"latency,omitempty"`
	Seed          int64   `json:"seed,omitempty"`

	// EnqueueEvery drives the built-in task feeder: one task per schedulable
	// account each interval. Empty disables the feeder.
	EnqueueEvery string   `json:"enqueue_every,omitempty"`
	Kinds        []string `json:"kinds,omitempty"` // default ["post", "comment", "upvote"]
}
