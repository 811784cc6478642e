package nsg

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/pkg/resource"
)

// mockEC2Client overrides the describe calls; anything else panics.
type mockEC2Client struct {
	cloud.EC2API

	describeInstancesFunc  func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	describeInterfacesFunc func(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	describeAddressesFunc  func(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	if m.describeInterfacesFunc != nil {
		return m.describeInterfacesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeNetworkInterfacesOutput{}, nil
}

func (m *mockEC2Client) DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	if m.describeAddressesFunc != nil {
		return m.describeAddressesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeAddressesOutput{}, nil
}

func instancesOutput(ids ...string) *ec2.DescribeInstancesOutput {
	var instances []ec2types.Instance
	for _, id := range ids {
		instances = append(instances, ec2types.Instance{
			InstanceId: aws.String(id),
			State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}
}

func TestResolver_InstanceID(t *testing.T) {
	var captured *ec2.DescribeInstancesInput
	mock := &mockEC2Client{
		describeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			captured = params
			return instancesOutput("i-abc123"), nil
		},
	}

	id, err := NewResolver(mock, 0).InstanceID(context.Background(), "NSG-A")

	require.NoError(t, err)
	assert.Equal(t, "i-abc123", id)
	require.NotNil(t, captured)
	require.Len(t, captured.Filters, 2)
	assert.Equal(t, "tag:Name", aws.ToString(captured.Filters[0].Name))
	assert.Equal(t, []string{"NSG-A"}, captured.Filters[0].Values)
	assert.NotContains(t, captured.Filters[1].Values, "terminated")
}

func TestResolver_InstanceID_NotFound(t *testing.T) {
	mock := &mockEC2Client{}

	_, err := NewResolver(mock, 0).InstanceID(context.Background(), "missing")

	require.Error(t, err)
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, resource.KindInstance, resErr.Kind)
	assert.Equal(t, "missing", resErr.Name)
	assert.True(t, IsNotFound(err))
}

func TestResolver_InstanceID_Ambiguous(t *testing.T) {
	mock := &mockEC2Client{
		describeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return instancesOutput("i-1", "i-2"), nil
		},
	}

	_, err := NewResolver(mock, 0).InstanceID(context.Background(), "NSG-A")

	var ambiguous *AmbiguousNameError
	require.True(t, errors.As(err, &ambiguous))
	assert.Equal(t, []string{"i-1", "i-2"}, ambiguous.IDs)

	var resErr *ResolutionError
	assert.True(t, errors.As(err, &resErr), "ambiguity is also a resolution failure")
}

func TestResolver_InstanceID_Pagination(t *testing.T) {
	calls := 0
	mock := &mockEC2Client{
		describeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			calls++
			if params.NextToken == nil {
				out := &ec2.DescribeInstancesOutput{NextToken: aws.String("token")}
				return out, nil
			}
			return instancesOutput("i-late"), nil
		},
	}

	id, err := NewResolver(mock, 0).InstanceID(context.Background(), "NSG-A")

	require.NoError(t, err)
	assert.Equal(t, "i-late", id)
	assert.Equal(t, 2, calls)
}

func TestResolver_InterfaceID_Pagination(t *testing.T) {
	calls := 0
	mock := &mockEC2Client{
		describeInterfacesFunc: func(_ context.Context, params *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
			calls++
			if params.NextToken == nil {
				return &ec2.DescribeNetworkInterfacesOutput{NextToken: aws.String("token")}, nil
			}
			return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{{
				NetworkInterfaceId: aws.String("eni-late"),
			}}}, nil
		},
	}

	id, err := NewResolver(mock, 0).InterfaceID(context.Background(), "eni-access")

	require.NoError(t, err)
	assert.Equal(t, "eni-late", id)
	assert.Equal(t, 2, calls)
}

func TestResolver_InterfaceID_AmbiguousAcrossPages(t *testing.T) {
	mock := &mockEC2Client{
		describeInterfacesFunc: func(_ context.Context, params *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
			out := &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{{
				NetworkInterfaceId: aws.String("eni-1"),
			}}}
			if params.NextToken == nil {
				out.NextToken = aws.String("token")
				return out, nil
			}
			out.NetworkInterfaces[0].NetworkInterfaceId = aws.String("eni-2")
			return out, nil
		},
	}

	_, err := NewResolver(mock, 0).InterfaceID(context.Background(), "eni-access")

	var ambiguous *AmbiguousNameError
	require.True(t, errors.As(err, &ambiguous))
	assert.ElementsMatch(t, []string{"eni-1", "eni-2"}, ambiguous.IDs)
}

func TestResolver_QueryFailure(t *testing.T) {
	mock := &mockEC2Client{
		describeInterfacesFunc: func(_ context.Context, _ *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	_, err := NewResolver(mock, 0).InterfaceID(context.Background(), "eni-access")

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, resource.KindNetworkInterface, resErr.Kind)
	assert.Contains(t, err.Error(), "throttled")
	assert.False(t, IsNotFound(err))
}

func TestResolver_EmptyName(t *testing.T) {
	r := NewResolver(&mockEC2Client{}, 0)

	_, err := r.InstanceID(context.Background(), "")
	assert.Error(t, err)
	_, err = r.InterfaceID(context.Background(), "")
	assert.Error(t, err)
	_, err = r.AllocationID(context.Background(), "")
	assert.Error(t, err)
}

func TestResolver_PrivateIP(t *testing.T) {
	mock := &mockEC2Client{
		describeInterfacesFunc: func(_ context.Context, _ *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
			return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{{
				NetworkInterfaceId: aws.String("eni-b"),
				PrivateIpAddress:   aws.String("20.0.1.9"),
			}}}, nil
		},
	}

	ip, err := NewResolver(mock, 0).PrivateIP(context.Background(), "eni-B")

	require.NoError(t, err)
	assert.Equal(t, "20.0.1.9", ip)
}

func TestResolver_AddressIDs(t *testing.T) {
	mock := &mockEC2Client{
		describeAddressesFunc: func(_ context.Context, params *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
			assert.Equal(t, "public-ip", aws.ToString(params.Filters[0].Name))
			return &ec2.DescribeAddressesOutput{Addresses: []ec2types.Address{{
				PublicIp:      aws.String("203.0.113.9"),
				AllocationId:  aws.String("eipalloc-1"),
				AssociationId: aws.String("eipassoc-1"),
			}}}, nil
		},
	}
	r := NewResolver(mock, 0)

	alloc, err := r.AllocationID(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "eipalloc-1", alloc)

	assoc, err := r.AssociationID(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "eipassoc-1", assoc)

	id, err := r.Resolve(context.Background(), resource.Address("203.0.113.9"))
	require.NoError(t, err)
	assert.Equal(t, "eipalloc-1", id)
}

func TestResolver_AssociationID_Unassociated(t *testing.T) {
	mock := &mockEC2Client{
		describeAddressesFunc: func(_ context.Context, _ *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
			return &ec2.DescribeAddressesOutput{Addresses: []ec2types.Address{{
				PublicIp:     aws.String("203.0.113.9"),
				AllocationId: aws.String("eipalloc-1"),
			}}}, nil
		},
	}

	_, err := NewResolver(mock, 0).AssociationID(context.Background(), "203.0.113.9")

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.ErrorIs(t, err, errNoAssociation)
}

func TestResolver_UnknownKind(t *testing.T) {
	_, err := NewResolver(&mockEC2Client{}, 0).Resolve(context.Background(), resource.Ref{Kind: "bucket", Name: "x"})
	assert.Error(t, err)
}
