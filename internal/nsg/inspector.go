package nsg

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/pkg/resource"
)

// InstanceState pairs the coarse power state with the provider's raw value.
type InstanceState struct {
	Name  string
	Power resource.PowerState
	Raw   string
}

// Terminated reports whether the instance is gone or going.
func (s InstanceState) Terminated() bool {
	return s.Raw == string(ec2types.InstanceStateNameTerminated) ||
		s.Raw == string(ec2types.InstanceStateNameShuttingDown)
}

// Inspector reads current resource state by provider id.
type Inspector struct {
	client      cloud.EC2API
	callTimeout time.Duration
}

// NewInspector creates an inspector.
func NewInspector(client cloud.EC2API, callTimeout time.Duration) *Inspector {
	return &Inspector{client: client, callTimeout: callTimeout}
}

// PowerState returns running, stopped or other for an instance.
func (i *Inspector) PowerState(ctx context.Context, instanceID string) (resource.PowerState, error) {
	state, err := i.InstanceState(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return state.Power, nil
}

// InstanceState returns the power state of an instance with its raw provider value.
func (i *Inspector) InstanceState(ctx context.Context, instanceID string) (InstanceState, error) {
	callCtx, cancel := withDeadline(ctx, i.callTimeout)
	defer cancel()

	output, err := i.client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return InstanceState{}, &QueryError{Operation: "describe instance", Resource: instanceID, Cause: err}
	}

	for _, reservation := range output.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) != instanceID || inst.State == nil {
				continue
			}
			state := toInstanceState(inst.State.Name)
			state.Name = nameTag(inst.Tags)
			return state, nil
		}
	}
	return InstanceState{}, &QueryError{Operation: "describe instance", Resource: instanceID, Cause: errNotFound}
}

// AttachmentStatus returns available or in-use for a network interface.
func (i *Inspector) AttachmentStatus(ctx context.Context, interfaceID string) (resource.AttachmentStatus, error) {
	nic, err := i.Interface(ctx, interfaceID)
	if err != nil {
		return "", err
	}
	return nic.Status, nil
}

// Interface returns a snapshot of a network interface.
func (i *Inspector) Interface(ctx context.Context, interfaceID string) (resource.NetworkInterface, error) {
	callCtx, cancel := withDeadline(ctx, i.callTimeout)
	defer cancel()

	output, err := i.client.DescribeNetworkInterfaces(callCtx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{interfaceID},
	})
	if err != nil {
		return resource.NetworkInterface{}, &QueryError{Operation: "describe network interface", Resource: interfaceID, Cause: err}
	}
	if len(output.NetworkInterfaces) == 0 {
		return resource.NetworkInterface{}, &QueryError{Operation: "describe network interface", Resource: interfaceID, Cause: errNotFound}
	}
	return toInterface(output.NetworkInterfaces[0]), nil
}

// Address returns a snapshot of an elastic IP.
func (i *Inspector) Address(ctx context.Context, publicIP string) (resource.ElasticAddress, error) {
	callCtx, cancel := withDeadline(ctx, i.callTimeout)
	defer cancel()

	output, err := i.client.DescribeAddresses(callCtx, &ec2.DescribeAddressesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("public-ip"), Values: []string{publicIP}},
		},
	})
	if err != nil {
		return resource.ElasticAddress{}, &QueryError{Operation: "describe address", Resource: publicIP, Cause: err}
	}
	if len(output.Addresses) == 0 {
		return resource.ElasticAddress{}, &QueryError{Operation: "describe address", Resource: publicIP, Cause: errNotFound}
	}

	a := output.Addresses[0]
	return resource.ElasticAddress{
		PublicIP:      aws.ToString(a.PublicIp),
		AllocationID:  aws.ToString(a.AllocationId),
		AssociationID: aws.ToString(a.AssociationId),
		InterfaceID:   aws.ToString(a.NetworkInterfaceId),
		PrivateIP:     aws.ToString(a.PrivateIpAddress),
	}, nil
}

func toInstanceState(name ec2types.InstanceStateName) InstanceState {
	state := InstanceState{Raw: string(name), Power: resource.PowerOther}
	switch name {
	case ec2types.InstanceStateNameRunning:
		state.Power = resource.PowerRunning
	case ec2types.InstanceStateNameStopped:
		state.Power = resource.PowerStopped
	}
	return state
}

func toInterface(nic ec2types.NetworkInterface) resource.NetworkInterface {
	out := resource.NetworkInterface{
		ID:        aws.ToString(nic.NetworkInterfaceId),
		Name:      nameTag(nic.TagSet),
		RawStatus: string(nic.Status),
		PrivateIP: aws.ToString(nic.PrivateIpAddress),
		Status:    resource.StatusInUse,
	}
	// attaching/detaching count as in-use: the interface is not free yet.
	if nic.Status == ec2types.NetworkInterfaceStatusAvailable {
		out.Status = resource.StatusAvailable
	}
	if nic.Attachment != nil && aws.ToString(nic.Attachment.InstanceId) != "" {
		out.Attachment = &resource.Attachment{
			ID:          aws.ToString(nic.Attachment.AttachmentId),
			InstanceID:  aws.ToString(nic.Attachment.InstanceId),
			DeviceIndex: aws.ToInt32(nic.Attachment.DeviceIndex),
		}
	}
	return out
}

func nameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
