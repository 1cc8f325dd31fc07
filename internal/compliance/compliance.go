// Package compliance runs registered screening hooks at fixed points
// of the settlement lifecycle. Hooks before and at lock time can block
// a settlement; hooks after commit are advisory and only logged.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"AtomicSettle/internal/settlement"
)

// HookPoint names a place in the lifecycle where hooks run.
type HookPoint string

const (
	PreValidate  HookPoint = "PRE_VALIDATE"
	PostValidate HookPoint = "POST_VALIDATE"
	PreLock      HookPoint = "PRE_LOCK"
	PostCommit   HookPoint = "POST_COMMIT"
	PostSettle   HookPoint = "POST_SETTLE"
)

// Advisory reports whether outcomes at this point can no longer block
// the settlement.
func (p HookPoint) Advisory() bool {
	return p == PostCommit || p == PostSettle
}

// Outcome is a hook's verdict.
type Outcome string

const (
	Approve Outcome = "approve"
	Reject  Outcome = "reject"
	Review  Outcome = "request_review"
)

// Decision is the result of evaluating one hook, or the merged result
// of all hooks at a point.
type Decision struct {
	Outcome Outcome
	Reason  string
	Hook    string
}

// Hook screens a settlement at a hook point. Implementations must
// honor the context deadline.
type Hook interface {
	Name() string
	Check(ctx context.Context, s *settlement.Settlement, point HookPoint) Decision
}

// HookFunc adapts a function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, s *settlement.Settlement, point HookPoint) Decision
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) Check(ctx context.Context, s *settlement.Settlement, point HookPoint) Decision {
	return h.Fn(ctx, s, point)
}

// Registry holds hooks per point and evaluates them in registration
// order.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[HookPoint][]Hook
	timeout time.Duration
	log     zerolog.Logger
}

// NewRegistry creates a registry with a per-hook execution bound.
func NewRegistry(timeout time.Duration, log zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		hooks:   make(map[HookPoint][]Hook),
		timeout: timeout,
		log:     log,
	}
}

// Register adds a hook at the given point.
func (r *Registry) Register(point HookPoint, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[point] = append(r.hooks[point], h)
}

// Evaluate runs every hook at the point against the settlement and
// merges verdicts: any reject wins, otherwise any review wins,
// otherwise approve. A hook that overruns its time bound counts as
// request_review. At advisory points the merged outcome is logged and
// reported but callers must not block on it.
func (r *Registry) Evaluate(ctx context.Context, point HookPoint, s *settlement.Settlement) Decision {
	r.mu.RLock()
	hooks := r.hooks[point]
	r.mu.RUnlock()

	merged := Decision{Outcome: Approve}
	for _, h := range hooks {
		d := r.runOne(ctx, h, point, s)
		switch d.Outcome {
		case Reject:
			r.logDecision(point, s, d)
			return d
		case Review:
			merged = d
		}
	}
	if merged.Outcome != Approve {
		r.logDecision(point, s, merged)
	}
	return merged
}

// runOne executes a single hook under the time bound. The hook runs in
// its own goroutine so a stuck hook cannot wedge the settlement task
// past the deadline.
func (r *Registry) runOne(ctx context.Context, h Hook, point HookPoint, s *settlement.Settlement) Decision {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Decision, 1)
	go func() {
		done <- h.Check(hctx, s, point)
	}()

	select {
	case d := <-done:
		d.Hook = h.Name()
		return d
	case <-hctx.Done():
		r.log.Warn().
			Str("hook", h.Name()).
			Str("point", string(point)).
			Str("settlement_id", s.ID.String()).
			Msg("compliance hook timed out")
		return Decision{
			Outcome: Review,
			Reason:  fmt.Sprintf("hook %s timed out after %s", h.Name(), r.timeout),
			Hook:    h.Name(),
		}
	}
}

func (r *Registry) logDecision(point HookPoint, s *settlement.Settlement, d Decision) {
	r.log.Info().
		Str("point", string(point)).
		Str("settlement_id", s.ID.String()).
		Str("outcome", string(d.Outcome)).
		Str("hook", d.Hook).
		Str("reason", d.Reason).
		Bool("advisory", point.Advisory()).
		Msg("compliance decision")
}
