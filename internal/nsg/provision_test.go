package nsg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/nsgswap/internal/cloud/fake"
)

func provisionFixture(t *testing.T) (*fake.Cloud, *Mutator) {
	t.Helper()
	c := fake.Seed(fake.Topology{
		PublicIP:        publicIP,
		AccessInterface: "eni-access",
		OldInstance:     "NSG-A",
		OldUplink:       "eni-A",
		NewUplink:       "eni-B",
		NewUplinkIP:     "20.0.1.9",
	})
	m := testMutator(c)
	_, err := m.DetachInterface(context.Background(), "eni-access", "NSG-A")
	require.NoError(t, err)
	return c, m
}

func goldenSpec() ProvisionSpec {
	return ProvisionSpec{
		Name:            "NSG-B",
		ImageID:         "ami-0123456789",
		InstanceType:    "c5.large",
		UplinkInterface: "eni-B",
		AccessInterface: "eni-access",
	}
}

func TestProvisionInstance_LaunchesAndTags(t *testing.T) {
	c, m := provisionFixture(t)
	ctx := context.Background()

	id, outcome, err := m.ProvisionInstance(ctx, goldenSpec())

	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, id, c.InstanceByName("NSG-B"))
	assert.Equal(t, ec2types.InstanceStateNameRunning, c.InstanceState(id))

	uplinkID, err := m.Resolver().InterfaceID(ctx, "eni-B")
	require.NoError(t, err)
	attachedTo, index, ok := c.Attachment(uplinkID)
	require.True(t, ok)
	assert.Equal(t, id, attachedTo)
	assert.Equal(t, int32(0), index)

	accessID, err := m.Resolver().InterfaceID(ctx, "eni-access")
	require.NoError(t, err)
	attachedTo, index, ok = c.Attachment(accessID)
	require.True(t, ok)
	assert.Equal(t, id, attachedTo)
	assert.Equal(t, int32(1), index)
}

func TestProvisionInstance_SecondRunSkips(t *testing.T) {
	c, m := provisionFixture(t)
	ctx := context.Background()

	first, _, err := m.ProvisionInstance(ctx, goldenSpec())
	require.NoError(t, err)

	second, outcome, err := m.ProvisionInstance(ctx, goldenSpec())
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, countCalls(c, "RunInstances"))
	assert.Equal(t, 1, countCalls(c, "CreateTags"))
}

func TestProvisionInstance_InterfaceInUse(t *testing.T) {
	c := fake.Seed(fake.Topology{
		PublicIP:        publicIP,
		AccessInterface: "eni-access",
		OldInstance:     "NSG-A",
		OldUplink:       "eni-A",
		NewUplink:       "eni-B",
	})

	// The access interface is still on NSG-A.
	_, _, err := testMutator(c).ProvisionInstance(context.Background(), goldenSpec())

	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
	assert.Equal(t, "InvalidNetworkInterface.InUse", APICode(err))
	assert.Empty(t, c.InstanceByName("NSG-B"))
}

func TestProvisionInstance_Invalid(t *testing.T) {
	_, m := provisionFixture(t)
	spec := goldenSpec()
	spec.ImageID = ""

	_, _, err := m.ProvisionInstance(context.Background(), spec)

	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
	assert.Contains(t, err.Error(), "image id")
}

// emptyLaunch returns a RunInstances response without an instance.
type emptyLaunch struct {
	*fake.Cloud
}

func (emptyLaunch) RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return &ec2.RunInstancesOutput{}, nil
}

func TestProvisionInstance_MalformedResponse(t *testing.T) {
	c, _ := provisionFixture(t)
	m := NewMutator(emptyLaunch{c}, Options{PollInterval: time.Millisecond})

	_, _, err := m.ProvisionInstance(context.Background(), goldenSpec())

	assert.ErrorIs(t, err, errNoInstance)
}
