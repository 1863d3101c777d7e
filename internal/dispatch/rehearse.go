package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"drover/internal/account"
	"drover/internal/health"
	"drover/internal/proxypool"
)

// Rehearsal is a stand-in action used by dry runs: it sleeps a short simulated
// latency and draws an outcome from configured odds, so the whole scheduling
// pipeline can be exercised without a wire client.
type Rehearsal struct {
	// SoftLimitOdds and TransientOdds are probabilities in [0,1];
	// the remainder is Success. HardBlocks are never simulated.
	SoftLimitOdds float64
	TransientOdds float64
	Latency       time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRehearsal(seed int64) *Rehearsal {
	return &Rehearsal{
		SoftLimitOdds: 0.05,
		TransientOdds: 0.05,
		Latency:       250 * time.Millisecond,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (r *Rehearsal) Execute(ctx context.Context, cred account.CredentialRef, proxy proxypool.Endpoint, kind Kind, payload []byte) (Result, error) {
	_ = cred
	_ = proxy
	_ = payload

	if r.Latency > 0 {
		t := time.NewTimer(r.Latency)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}

	r.mu.Lock()
	roll := r.rng.Float64()
	r.mu.Unlock()

	switch {
	case roll < r.SoftLimitOdds:
		return Result{Outcome: health.SoftLimit, Detail: "rehearsal: simulated rate signal", RetryAfter: 30 * time.Second}, nil
	case roll < r.SoftLimitOdds+r.TransientOdds:
		return Result{Outcome: health.Transient, Detail: "rehearsal: simulated network error"}, nil
	default:
		return Result{Outcome: health.Success, Detail: "rehearsal: " + string(kind)}, nil
	}
}
