package proxypool

import (
	"context"
	"net"
	"time"

	"drover/internal/health"
	logx "drover/pkg/logx"
)

// ProbeFunc checks whether an endpoint is reachable. The default probe dials
// the proxy address with a timeout; deployments with richer reachability
// checks can inject their own.
type ProbeFunc func(ctx context.Context, ep Endpoint) error

// DialProbe returns the default TCP reachability probe.
func DialProbe(timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context, ep Endpoint) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.Addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Probe checks every endpoint and feeds the result into health tracking.
// A reachable endpoint observes a Success (which heals probationary scores);
// an unreachable one observes a Transient failure.
func (p *Pool) Probe(ctx context.Context, probe ProbeFunc) {
	if probe == nil {
		probe = DialProbe(0)
	}

	p.mu.Lock()
	eps := make([]Endpoint, 0, len(p.slots))
	for _, s := range p.slots {
		eps = append(eps, s.ep)
	}
	p.mu.Unlock()

	for _, ep := range eps {
		if ctx.Err() != nil {
			return
		}
		err := probe(ctx, ep)
		if err != nil {
			p.log.Warn("proxy probe failed", logx.String("proxy", ep.ID), logx.String("addr", ep.Addr), logx.Err(err))
			p.ReportOutcome(ep.ID, health.Transient)
			continue
		}
		p.log.Debug("proxy probe ok", logx.String("proxy", ep.ID))
		p.ReportOutcome(ep.ID, health.Success)
	}
}
