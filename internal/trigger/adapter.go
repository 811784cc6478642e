// Package trigger turns external events into failover runs.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/nsgswap/internal/failover"
)

// SuccessMarker is returned to the invoker when a run completes.
const SuccessMarker = "Success!"

// Event is one trigger. Its content is logged, never interpreted.
type Event struct {
	ID       string
	Source   string
	Body     string
	Received time.Time
}

// Runner executes a failover plan.
type Runner interface {
	Run(ctx context.Context, plan *failover.Plan) (*failover.Result, error)
}

// Guard vets a plan before it runs.
type Guard interface {
	Enforce(ctx context.Context, plan *failover.Plan) error
}

// Adapter runs the configured scenario once per event. Invocations inside one
// process never overlap.
type Adapter struct {
	mu       sync.Mutex
	settings failover.Settings
	runner   Runner
	guard    Guard
	logger   zerolog.Logger
}

// NewAdapter creates an adapter. guard may be nil.
func NewAdapter(settings failover.Settings, runner Runner, guard Guard) *Adapter {
	return &Adapter{
		settings: settings,
		runner:   runner,
		guard:    guard,
		logger:   log.Logger.With().Str("component", "trigger").Logger(),
	}
}

// Plan builds and vets the plan for the configured scenario without running it.
func (a *Adapter) Plan(ctx context.Context) (*failover.Plan, error) {
	plan, err := failover.BuildPlan(a.settings)
	if err != nil {
		return nil, err
	}
	if a.guard != nil {
		if err := a.guard.Enforce(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Invoke runs the configured scenario for ev and returns the run result.
// Once started, a run is not cancelled by ctx: it ends when every step is
// done or one fails. Per-call deadlines and the detach timeout bound it.
func (a *Adapter) Invoke(ctx context.Context, ev Event) (*failover.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	a.logger.Info().Ctx(ctx).
		Str("event_id", ev.ID).
		Str("source", ev.Source).
		Int("body_bytes", len(ev.Body)).
		Msg("failover triggered")
	a.logger.Debug().Ctx(ctx).Str("event_id", ev.ID).Str("body", ev.Body).Msg("trigger payload")

	plan, err := a.Plan(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare failover: %w", err)
	}
	return a.runner.Run(ctx, plan)
}

// Handle runs the configured scenario and returns SuccessMarker, or the error
// that stopped the run.
func (a *Adapter) Handle(ctx context.Context, ev Event) (string, error) {
	if _, err := a.Invoke(ctx, ev); err != nil {
		return "", err
	}
	return SuccessMarker, nil
}
