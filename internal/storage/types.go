package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActivityRecord is one row of the activity log.
// Keep it compact and schema-stable.
type ActivityRecord struct {
	At        time.Time
	TaskID    string
	AccountID string
	ProxyID   string
	Kind      string
	Outcome   string
	Detail    string
	Attempt   int
	TookMS    int64
}

// AccountSnapshot is the persisted shape of one account.
type AccountSnapshot struct {
	ID         string
	Credential string
	State      string
	LastAction time.Time
}

// ProxySnapshot is the persisted shape of one proxy endpoint.
type ProxySnapshot struct {
	ID       string
	Addr     string
	Protocol string
	AuthRef  string
}
