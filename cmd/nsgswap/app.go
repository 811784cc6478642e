package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/internal/cloud/fake"
	"github.com/yairfalse/nsgswap/internal/config"
	"github.com/yairfalse/nsgswap/internal/failover"
	"github.com/yairfalse/nsgswap/internal/guard"
	"github.com/yairfalse/nsgswap/internal/journal"
	"github.com/yairfalse/nsgswap/internal/nsg"
	"github.com/yairfalse/nsgswap/internal/telemetry"
	"github.com/yairfalse/nsgswap/internal/trigger"
)

// app holds the wired components of one command invocation.
type app struct {
	cfg       *config.Config
	clients   *cloud.Clients
	simulated *fake.Cloud
	telemetry *telemetry.Provider
	journal   *journal.Journal
	adapter   *trigger.Adapter
}

// newApp wires the failover stack. With simulate set, the EC2 client is an
// in-memory control plane seeded from the configured topology.
func newApp(ctx context.Context, cfg *config.Config, simulate bool, readers ...sdkmetric.Reader) (*app, error) {
	a := &app{cfg: cfg}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL, readers...)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a.telemetry = tp

	var ec2Client cloud.EC2API
	if simulate {
		a.simulated = simulatedCloud(cfg.Failover)
		ec2Client = a.simulated
	} else {
		clients, err := cloud.New(ctx, cloud.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("create aws clients: %w", err)
		}
		a.clients = clients
		ec2Client = clients.EC2
	}

	opts := []failover.Option{
		failover.WithMetrics(tp),
		failover.WithTracer(tp.Tracer()),
	}
	if !cfg.Journal.Disabled && !simulate {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.journal = j
		opts = append(opts, failover.WithRecorder(j))
	}

	g, err := guard.Load(ctx, cfg.Policy.File)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	mut := nsg.NewMutator(ec2Client, cfg.Failover.MutatorOptions())
	a.adapter = trigger.NewAdapter(cfg.Failover.Settings(), failover.New(mut, opts...), g)
	return a, nil
}

// simulatedCloud seeds a fake control plane with the pre-failover state of
// the configured pair.
func simulatedCloud(f config.FailoverConfig) *fake.Cloud {
	t := fake.Topology{
		PublicIP:        f.ElasticIP,
		AccessInterface: f.AccessInterface,
		OldInstance:     f.Old.Instance,
		OldUplink:       f.Old.Uplink,
		NewUplink:       f.New.Uplink,
	}
	if failover.Scenario(f.Scenario) == failover.ScenarioSwap {
		t.NewInstance = f.New.Instance
	}
	return fake.Seed(t)
}

// Close releases the journal and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	return err
}
