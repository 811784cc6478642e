package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/nsgswap/internal/failover"
)

func settings() failover.Settings {
	return failover.Settings{
		ElasticIP:       "203.0.113.9",
		AccessInterface: "eni-access",
		Old:             failover.Node{Instance: "NSG-A", Uplink: "eni-A"},
		New:             failover.Node{Instance: "NSG-B", Uplink: "eni-B"},
		Retire:          failover.RetireStop,
		Image:           failover.Image{ID: "ami-1", InstanceType: "c4.xlarge"},
	}
}

func TestGuard_AllowsBuiltPlans(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, nil)
	require.NoError(t, err)

	for _, plan := range []*failover.Plan{failover.SwapPlan(settings()), failover.ProvisionPlan(settings())} {
		reasons, err := g.Check(ctx, plan)
		require.NoError(t, err)
		assert.Empty(t, reasons, plan.Name)
		assert.NoError(t, g.Enforce(ctx, plan))
	}
}

func TestGuard_DeniesSameInstance(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, nil)
	require.NoError(t, err)
	s := settings()
	s.New.Instance = "NSG-A"

	err = g.Enforce(ctx, failover.SwapPlan(s))

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, []string{`old and new instance are both "NSG-A"`}, denied.Reasons)
}

func TestGuard_DeniesAccessInterfaceAsUplink(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, nil)
	require.NoError(t, err)
	s := settings()
	s.AccessInterface = "eni-B"

	reasons, err := g.Check(ctx, failover.SwapPlan(s))

	require.NoError(t, err)
	assert.Contains(t, reasons, `access interface "eni-B" is also an uplink`)
}

func TestGuard_DeniesReorderedSteps(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, nil)
	require.NoError(t, err)

	plan := failover.SwapPlan(settings())
	// attach before detach, associate before disassociate
	plan.Steps[0], plan.Steps[4] = plan.Steps[4], plan.Steps[0]
	plan.Steps[2], plan.Steps[3] = plan.Steps[3], plan.Steps[2]

	reasons, err := g.Check(ctx, plan)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"step 1 uses the access interface before it is detached",
		"step 3 associates the address before step 4 releases it",
	}, reasons)
}

func TestLoad_ExtraPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.rego")
	policy := `package nsgswap

deny contains "terminating the old instance is not allowed here" if {
	some step in input.steps
	step.op == "terminate-instance"
}
`
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o600))

	ctx := context.Background()
	g, err := Load(ctx, path)
	require.NoError(t, err)

	s := settings()
	s.Retire = failover.RetireTerminate
	reasons, err := g.Check(ctx, failover.ProvisionPlan(s))

	require.NoError(t, err)
	assert.Equal(t, []string{"terminating the old instance is not allowed here"}, reasons)
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	assert.ErrorContains(t, err, "read guard policy")

	_, err = New(ctx, map[string]string{"bad.rego": "package nsgswap\n\ndeny contains msg if {"})
	assert.ErrorContains(t, err, "compile guard policy")
}
