package config

import (
	"reflect"
	"sort"
	"strings"

	logx "drover/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Credential and auth references are opaque
// handles, but we still only log counts, never values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", derefStorage(newCfg.Storage).Driver),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
	}

	if !reflect.DeepEqual(oldCfg.ProxyPool, newCfg.ProxyPool) {
		changed = append(changed, "proxy_pool")
		attrs = append(attrs,
			logx.Int("proxy_pool.count", len(newCfg.ProxyPool.Proxies)),
			logx.Int("proxy_pool.max_per_proxy", newCfg.ProxyPool.MaxPerProxy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.ttl", strings.TrimSpace(newCfg.Session.TTL)))
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.max_attempts", newCfg.Scheduler.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
	}

	if !reflect.DeepEqual(oldCfg.Rehearsal, newCfg.Rehearsal) {
		changed = append(changed, "rehearsal")
		attrs = append(attrs, logx.Bool("rehearsal.enabled", newCfg.Rehearsal.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
