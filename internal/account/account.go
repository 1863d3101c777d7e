// Package account holds the registry of managed accounts and their lifecycle
// state. Credentials are never held here: the registry stores an opaque
// reference resolved by an external vault at dispatch time.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"drover/internal/health"
	logx "drover/pkg/logx"
)

// State is an account's lifecycle state.
type State string

const (
	StateNew         State = "new"
	StateActive      State = "active"
	StateRateLimited State = "rate_limited"
	StateFlagged     State = "flagged"
	StateSuspended   State = "suspended"
	StateRetired     State = "retired"
)

// Schedulable reports whether tasks may be dispatched for an account in this
// state. Rate-limited accounts stay schedulable; the rate limiter and health
// cooldown decide when, not whether.
func (s State) Schedulable() bool {
	switch s {
	case StateNew, StateActive, StateRateLimited:
		return true
	default:
		return false
	}
}

// CredentialRef is an opaque handle into the external vault.
type CredentialRef struct {
	AccountID string
	Handle    string
}

// Vault resolves credential references. The orchestration engine never reads
// raw secrets; the handle is passed through to the external action capability.
type Vault interface {
	Resolve(ctx context.Context, accountID string) (CredentialRef, error)
}

var ErrUnknownAccount = errors.New("account: unknown account")

// Account is one managed identity.
type Account struct {
	ID         string
	Username   string
	Credential string // vault handle, not a secret
	State      State
	LastAction time.Time
}

// Registry owns the account table. Per-entry mutation happens under the
// registry lock; entries are small and copied out on read.
type Registry struct {
	mu       sync.RWMutex
	log      logx.Logger
	accounts map[string]*Account
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, accounts: make(map[string]*Account)}
}

// Add registers an account. A zero state defaults to new.
func (r *Registry) Add(a Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account: id is required")
	}
	if a.State == "" {
		a.State = StateNew
	}
	r.mu.Lock()
	r.accounts[a.ID] = &a
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the account record.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.accounts[id]
	if a == nil {
		return Account{}, false
	}
	return *a, true
}

// SetState transitions an account. Retired is terminal.
func (r *Registry) SetState(id string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	if a == nil {
		return ErrUnknownAccount
	}
	if a.State == StateRetired {
		return nil
	}
	if a.State != s {
		r.log.Info("account state changed",
			logx.String("account", id),
			logx.String("from", string(a.State)),
			logx.String("to", string(s)),
		)
	}
	a.State = s
	return nil
}

// MarkAction records the time of the latest dispatched action.
func (r *Registry) MarkAction(id string, at time.Time) {
	r.mu.Lock()
	if a := r.accounts[id]; a != nil {
		a.LastAction = at
	}
	r.mu.Unlock()
}

// ApplyOutcome maps an action outcome onto the account lifecycle:
// Success activates, SoftLimit marks rate-limited, and a HardBlock marks the
// account flagged (or suspended when the detail says so).
func (r *Registry) ApplyOutcome(id string, o health.Outcome, detail string) {
	switch o {
	case health.Success:
		_ = r.SetState(id, StateActive)
	case health.SoftLimit:
		_ = r.SetState(id, StateRateLimited)
	case health.HardBlock:
		if strings.Contains(strings.ToLower(detail), "suspend") {
			_ = r.SetState(id, StateSuspended)
		} else {
			_ = r.SetState(id, StateFlagged)
		}
	}
}

// Schedulable reports whether the account exists and its state admits
// dispatch.
func (r *Registry) Schedulable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.accounts[id]
	return a != nil && a.State.Schedulable()
}

// List returns copies of all accounts ordered by ID.
func (r *Registry) List() []Account {
	r.mu.RLock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StaticVault is a vault backed by the registry's own credential handles.
// Real deployments inject their vault; this one only hands back the opaque
// reference already on file.
type StaticVault struct {
	Registry *Registry
}

func (v StaticVault) Resolve(ctx context.Context, accountID string) (CredentialRef, error) {
	_ = ctx
	a, ok := v.Registry.Get(accountID)
	if !ok {
		return CredentialRef{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if strings.TrimSpace(a.Credential) == "" {
		return CredentialRef{}, fmt.Errorf("account %s: missing credential reference", accountID)
	}
	return CredentialRef{AccountID: accountID, Handle: a.Credential}, nil
}
