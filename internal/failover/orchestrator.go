package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/nsgswap/internal/nsg"
)

// Mutations are the guarded transitions a plan is made of.
type Mutations interface {
	PowerOff(ctx context.Context, instanceName string) (nsg.Outcome, error)
	PowerOn(ctx context.Context, instanceName string) (nsg.Outcome, error)
	Terminate(ctx context.Context, instanceName string) (nsg.Outcome, error)
	DetachInterface(ctx context.Context, interfaceName, instanceName string) (nsg.Outcome, error)
	AttachInterface(ctx context.Context, interfaceName, instanceName string) (nsg.Outcome, error)
	DisassociateAddress(ctx context.Context, publicIP string) (nsg.Outcome, error)
	AssociateAddress(ctx context.Context, publicIP, interfaceName string) (nsg.Outcome, error)
	AddressBoundTo(ctx context.Context, publicIP, interfaceName string) (bool, error)
	ProvisionInstance(ctx context.Context, spec nsg.ProvisionSpec) (string, nsg.Outcome, error)
}

// Recorder receives run and step outcomes as they happen.
type Recorder interface {
	RunStarted(ctx context.Context, res *Result, plan *Plan) error
	StepFinished(ctx context.Context, runID string, step StepResult) error
	RunFinished(ctx context.Context, res *Result) error
}

// Metrics receives per-run and per-step measurements.
type Metrics interface {
	RecordStep(ctx context.Context, op, outcome string, d time.Duration)
	RecordRun(ctx context.Context, scenario, outcome string, d time.Duration)
}

// Orchestrator executes plans step by step and stops at the first failure.
// It never rolls back.
type Orchestrator struct {
	mut      Mutations
	recorder Recorder
	metrics  Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets where run and step outcomes are journaled.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger overrides the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over the given mutations.
func New(mut Mutations, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		mut:      mut,
		recorder: nopRecorder{},
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("nsgswap/failover"),
		logger:   log.Logger,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o
}

// Run executes plan in order. On failure the returned Result shows which steps
// ran and the error is a *StepError naming the failed step.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*Result, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("run failover: empty plan")
	}

	res := newResult(o.newID(), plan)
	ctx, span := o.tracer.Start(ctx, "failover.run", trace.WithAttributes(
		attribute.String("run.id", res.RunID),
		attribute.String("plan.name", plan.Name),
		attribute.String("plan.scenario", string(plan.Scenario)),
	))
	defer span.End()

	logger := o.logger.With().Str("run_id", res.RunID).Str("plan", plan.Name).Logger()
	logger.Info().Ctx(ctx).Int("steps", len(plan.Steps)).Msg("failover started")

	if err := o.recorder.RunStarted(ctx, res, plan); err != nil {
		logger.Warn().Ctx(ctx).Err(err).Msg("journal run start")
	}

	for i, step := range plan.Steps {
		res.Phase = step.Phase
		sr := o.runStep(ctx, plan, i, step)
		res.Steps[i] = sr

		if err := o.recorder.StepFinished(ctx, res.RunID, sr); err != nil {
			logger.Warn().Ctx(ctx).Err(err).Int("step", i+1).Msg("journal step")
		}

		if sr.err != nil {
			stepErr := &StepError{Index: i, Op: step.Op, Target: step.Target(), Err: sr.err}
			res.fail(i, stepErr)
			o.finish(ctx, res, plan)

			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			logger.Error().Ctx(ctx).Err(sr.err).
				Int("step", i+1).
				Str("op", string(step.Op)).
				Str("target", step.Target()).
				Str("api_code", nsg.APICode(sr.err)).
				Msg("failover aborted")
			return res, stepErr
		}

		logger.Info().Ctx(ctx).
			Int("step", i+1).
			Str("op", string(step.Op)).
			Str("target", step.Target()).
			Str("outcome", string(sr.Status)).
			Dur("duration", sr.Duration).
			Msg("step completed")
	}

	res.Phase = PhaseDone
	o.finish(ctx, res, plan)
	span.SetStatus(codes.Ok, "")
	logger.Info().Ctx(ctx).Dur("duration", res.Duration).Msg("failover completed")
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, res *Result, plan *Plan) {
	res.Finished = time.Now()
	res.Duration = res.Finished.Sub(res.Started)

	outcome := "success"
	if res.Phase == PhaseFailed {
		outcome = "failed"
	}
	o.metrics.RecordRun(ctx, string(plan.Scenario), outcome, res.Duration)

	if err := o.recorder.RunFinished(ctx, res); err != nil {
		o.logger.Warn().Ctx(ctx).Err(err).Str("run_id", res.RunID).Msg("journal run finish")
	}
}

func (o *Orchestrator) runStep(ctx context.Context, plan *Plan, i int, step Step) StepResult {
	ctx, span := o.tracer.Start(ctx, "failover.step", trace.WithAttributes(
		attribute.Int("step.index", i),
		attribute.String("step.op", string(step.Op)),
		attribute.String("step.target", step.Target()),
	))
	defer span.End()

	sr := StepResult{Index: i, Step: step, Status: StatusPending}
	start := time.Now()

	var (
		outcome nsg.Outcome
		err     error
	)
	if err = ctx.Err(); err == nil {
		outcome, sr.ResourceID, err = o.apply(ctx, plan, step)
	}
	sr.Duration = time.Since(start)

	if err != nil {
		sr.Status = StatusFailed
		sr.Error = err.Error()
		sr.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		sr.Status = StepStatus(outcome)
	}
	span.SetAttributes(attribute.String("step.outcome", string(sr.Status)))
	o.metrics.RecordStep(ctx, string(step.Op), string(sr.Status), sr.Duration)
	return sr
}

// apply dispatches one step to its mutator. The returned id is set only when
// a step produces a new resource.
func (o *Orchestrator) apply(ctx context.Context, plan *Plan, step Step) (nsg.Outcome, string, error) {
	var (
		outcome nsg.Outcome
		err     error
	)

	switch step.Op {
	case OpDetachInterface:
		outcome, err = o.mut.DetachInterface(ctx, step.Interface, step.Instance)
	case OpPowerOff:
		outcome, err = o.mut.PowerOff(ctx, step.Instance)
	case OpPowerOn:
		outcome, err = o.mut.PowerOn(ctx, step.Instance)
	case OpTerminateInstance:
		outcome, err = o.mut.Terminate(ctx, step.Instance)
	case OpAttachInterface:
		outcome, err = o.mut.AttachInterface(ctx, step.Interface, step.Instance)
	case OpAssociateAddress:
		outcome, err = o.mut.AssociateAddress(ctx, step.Address, step.Interface)
	case OpDisassociateAddress:
		// The address may already be on the new uplink from an earlier run.
		var bound bool
		bound, err = o.mut.AddressBoundTo(ctx, step.Address, plan.New.Uplink)
		if err != nil {
			return "", "", err
		}
		if bound {
			return nsg.Skipped, "", nil
		}
		outcome, err = o.mut.DisassociateAddress(ctx, step.Address)
	case OpProvisionInstance:
		id, outcome, err := o.mut.ProvisionInstance(ctx, nsg.ProvisionSpec{
			Name:            step.Instance,
			ImageID:         plan.Image.ID,
			InstanceType:    plan.Image.InstanceType,
			RootDevice:      plan.Image.RootDevice,
			UplinkInterface: step.Interface,
			AccessInterface: plan.AccessInterface,
		})
		return outcome, id, err
	default:
		return "", "", fmt.Errorf("unknown step op %q", step.Op)
	}
	return outcome, "", err
}
