// Package nsg implements name resolution, state inspection and the guarded
// resource transitions used during an NSG failover.
package nsg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/pkg/resource"
)

// liveInstanceStates excludes terminated instances, which keep their Name tag
// for a while after retirement.
var liveInstanceStates = []string{
	string(ec2types.InstanceStateNamePending),
	string(ec2types.InstanceStateNameRunning),
	string(ec2types.InstanceStateNameStopping),
	string(ec2types.InstanceStateNameStopped),
}

// Resolver maps Name tags and public IPs to provider identifiers.
// It never mutates anything and never retries.
type Resolver struct {
	client      cloud.EC2API
	callTimeout time.Duration
}

// NewResolver creates a resolver. A zero callTimeout disables per-call deadlines.
func NewResolver(client cloud.EC2API, callTimeout time.Duration) *Resolver {
	return &Resolver{client: client, callTimeout: callTimeout}
}

// Resolve returns the identifier for ref. Elastic addresses resolve to their
// allocation id.
func (r *Resolver) Resolve(ctx context.Context, ref resource.Ref) (string, error) {
	switch ref.Kind {
	case resource.KindInstance:
		return r.InstanceID(ctx, ref.Name)
	case resource.KindNetworkInterface:
		return r.InterfaceID(ctx, ref.Name)
	case resource.KindElasticAddress:
		return r.AllocationID(ctx, ref.Name)
	default:
		return "", &ResolutionError{Kind: ref.Kind, Name: ref.Name, Cause: fmt.Errorf("unknown kind %q", ref.Kind)}
	}
}

// InstanceID returns the id of the live instance tagged with name.
func (r *Resolver) InstanceID(ctx context.Context, name string) (string, error) {
	instances, err := r.instancesByName(ctx, name)
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	return pickOne(resource.KindInstance, name, ids)
}

// InterfaceID returns the id of the network interface tagged with name.
func (r *Resolver) InterfaceID(ctx context.Context, name string) (string, error) {
	nic, err := r.interfaceByName(ctx, name)
	if err != nil {
		return "", err
	}
	return aws.ToString(nic.NetworkInterfaceId), nil
}

// PrivateIP returns the primary private IP of the interface tagged with name.
func (r *Resolver) PrivateIP(ctx context.Context, name string) (string, error) {
	nic, err := r.interfaceByName(ctx, name)
	if err != nil {
		return "", err
	}
	ip := aws.ToString(nic.PrivateIpAddress)
	if ip == "" {
		return "", &ResolutionError{Kind: resource.KindNetworkInterface, Name: name, Cause: errMissingField}
	}
	return ip, nil
}

// AssociationID returns the current association id of the elastic IP.
func (r *Resolver) AssociationID(ctx context.Context, publicIP string) (string, error) {
	addr, err := r.addressByIP(ctx, publicIP)
	if err != nil {
		return "", err
	}
	id := aws.ToString(addr.AssociationId)
	if id == "" {
		return "", &ResolutionError{Kind: resource.KindElasticAddress, Name: publicIP, Cause: errNoAssociation}
	}
	return id, nil
}

// AllocationID returns the allocation id of the elastic IP.
func (r *Resolver) AllocationID(ctx context.Context, publicIP string) (string, error) {
	addr, err := r.addressByIP(ctx, publicIP)
	if err != nil {
		return "", err
	}
	id := aws.ToString(addr.AllocationId)
	if id == "" {
		return "", &ResolutionError{Kind: resource.KindElasticAddress, Name: publicIP, Cause: errMissingField}
	}
	return id, nil
}

func (r *Resolver) instancesByName(ctx context.Context, name string) ([]ec2types.Instance, error) {
	if name == "" {
		return nil, &ResolutionError{Kind: resource.KindInstance, Name: name, Cause: errors.New("empty name")}
	}

	var (
		instances []ec2types.Instance
		nextToken *string
	)
	for {
		callCtx, cancel := withDeadline(ctx, r.callTimeout)
		output, err := r.client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				nameFilter(name),
				{Name: aws.String("instance-state-name"), Values: liveInstanceStates},
			},
			NextToken: nextToken,
		})
		cancel()
		if err != nil {
			return nil, &ResolutionError{Kind: resource.KindInstance, Name: name, Cause: fmt.Errorf("describe instances: %w", err)}
		}

		for _, reservation := range output.Reservations {
			instances = append(instances, reservation.Instances...)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}
	return instances, nil
}

func (r *Resolver) interfaceByName(ctx context.Context, name string) (ec2types.NetworkInterface, error) {
	if name == "" {
		return ec2types.NetworkInterface{}, &ResolutionError{Kind: resource.KindNetworkInterface, Name: name, Cause: errors.New("empty name")}
	}

	var (
		nics      []ec2types.NetworkInterface
		nextToken *string
	)
	for {
		callCtx, cancel := withDeadline(ctx, r.callTimeout)
		output, err := r.client.DescribeNetworkInterfaces(callCtx, &ec2.DescribeNetworkInterfacesInput{
			Filters:   []ec2types.Filter{nameFilter(name)},
			NextToken: nextToken,
		})
		cancel()
		if err != nil {
			return ec2types.NetworkInterface{}, &ResolutionError{Kind: resource.KindNetworkInterface, Name: name, Cause: fmt.Errorf("describe network interfaces: %w", err)}
		}

		nics = append(nics, output.NetworkInterfaces...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	ids := make([]string, 0, len(nics))
	for _, nic := range nics {
		ids = append(ids, aws.ToString(nic.NetworkInterfaceId))
	}
	if _, err := pickOne(resource.KindNetworkInterface, name, ids); err != nil {
		return ec2types.NetworkInterface{}, err
	}
	return nics[0], nil
}

func (r *Resolver) addressByIP(ctx context.Context, publicIP string) (ec2types.Address, error) {
	if publicIP == "" {
		return ec2types.Address{}, &ResolutionError{Kind: resource.KindElasticAddress, Name: publicIP, Cause: errors.New("empty address")}
	}

	callCtx, cancel := withDeadline(ctx, r.callTimeout)
	defer cancel()

	output, err := r.client.DescribeAddresses(callCtx, &ec2.DescribeAddressesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("public-ip"), Values: []string{publicIP}},
		},
	})
	if err != nil {
		return ec2types.Address{}, &ResolutionError{Kind: resource.KindElasticAddress, Name: publicIP, Cause: fmt.Errorf("describe addresses: %w", err)}
	}
	if len(output.Addresses) == 0 {
		return ec2types.Address{}, &ResolutionError{Kind: resource.KindElasticAddress, Name: publicIP, Cause: errNotFound}
	}
	return output.Addresses[0], nil
}

// pickOne returns the single id in ids, or the matching resolution error.
func pickOne(kind resource.Kind, name string, ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", &ResolutionError{Kind: kind, Name: name, Cause: errNotFound}
	case 1:
		if ids[0] == "" {
			return "", &ResolutionError{Kind: kind, Name: name, Cause: errMissingField}
		}
		return ids[0], nil
	default:
		return "", &AmbiguousNameError{Kind: kind, Name: name, IDs: ids}
	}
}

func nameFilter(name string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("tag:Name"), Values: []string{name}}
}

func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
