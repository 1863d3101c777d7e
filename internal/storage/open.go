package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "drover/pkg/logx"
)

// Store is the persistence API used by the ledger and the bootstrap path.
type Store interface {
	AppendActivity(ctx context.Context, r ActivityRecord) error
	// ActivitySince returns records with At >= since, oldest first,
	// at most limit rows (0 means no limit).
	ActivitySince(ctx context.Context, since time.Time, limit int) ([]ActivityRecord, error)
	// ActivityFor is ActivitySince narrowed to rows whose account or proxy
	// matches resourceID.
	ActivityFor(ctx context.Context, resourceID string, since time.Time, limit int) ([]ActivityRecord, error)
	PruneActivity(ctx context.Context, before time.Time) (int64, error)

	UpsertAccount(ctx context.Context, a AccountSnapshot) error
	Accounts(ctx context.Context) ([]AccountSnapshot, error)

	UpsertProxy(ctx context.Context, p ProxySnapshot) error
	RemoveProxy(ctx context.Context, id string) error
	Proxies(ctx context.Context) ([]ProxySnapshot, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
