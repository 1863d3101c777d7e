// Package proxypool manages the set of proxy egress endpoints: their health,
// how many accounts are bound to each, and which endpoint a new session should
// use next.
//
// Selection prefers the least-assigned healthy endpoint, tie-broken by the
// oldest last-used timestamp, which spreads load and avoids reusing an
// endpoint that just carried traffic. An empty eligible set is an expected
// condition (ErrNoneAvailable), not a failure.
package proxypool
