// Package dispatch defines the external action capability consumed by the
// scheduler. The concrete wire client lives outside this module; the engine
// only sees the Execute contract and classifies what comes back.
package dispatch

import (
	"context"
	"time"

	"drover/internal/account"
	"drover/internal/health"
	"drover/internal/proxypool"
)

// Kind names one action type (e.g. "post", "comment"). Kinds are opaque to
// the engine; rate budgets and payloads are keyed by them.
type Kind string

// Result is what the external capability reports for one executed action.
//
// RetryAfter, when set, is a server-provided hint that overrides the
// engine's computed backoff.
type Result struct {
	Outcome    health.Outcome
	Detail     string
	RetryAfter time.Duration
}

// Action performs one authenticated action against the target service through
// the given proxy. Implementations must honor ctx cancellation and deadlines.
type Action interface {
	Execute(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint, kind Kind, payload []byte) (Result, error)
}

// Classify folds an Execute return into a single outcome. Any transport-level
// error, including a timeout, is a transient failure regardless of what
// partial result came back.
func Classify(res Result, err error) health.Outcome {
	if err != nil {
		return health.Transient
	}
	return res.Outcome
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint, kind Kind, payload []byte) (Result, error)

func (f ActionFunc) Execute(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint, kind Kind, payload []byte) (Result, error) {
	return f(ctx, cred, proxy, kind, payload)
}
