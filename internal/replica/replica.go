// Package replica holds the pieces shared by all five coordination
// engines: the background-loop helper, the startup-stabilisation sleep,
// and the common Engine contract a unified binary dispatches against.
//
// Per spec.md §9 ("if a unified binary hosts all five, model them as
// tagged variants"), cmd/replica selects exactly one Engine per process;
// there is no cross-engine shared state beyond this package's helpers.
package replica

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// Engine is the contract every coordination protocol implements: register
// its HTTP surface, then start its background duty, which runs until ctx is
// cancelled. Run returns without blocking so the caller can go on to serve HTTP.
type Engine interface {
	Routes(r *gin.Engine)
	Run(ctx context.Context)
}

// Sleep blocks for d or until ctx is cancelled, returning false in the
// latter case. It is the only suspension point background loops use for
// fixed delays (startup stabilisation, token-pass observability, ...).
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Loop invokes fn every interval until ctx is cancelled. fn must not block
// indefinitely and must swallow its own errors — the loop never stops
// because one iteration failed (spec.md §7: "the background loop swallows
// and logs every iteration's errors and keeps running").
func Loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
