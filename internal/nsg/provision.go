package nsg

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ProvisionSpec describes an instance launched from a golden image.
type ProvisionSpec struct {
	// Name is the Name tag given to the new instance.
	Name         string
	ImageID      string
	InstanceType string
	// RootDevice is the device name of the root EBS volume, e.g. /dev/sda1.
	RootDevice string
	// UplinkInterface becomes device index 0 and carries the elastic IP.
	UplinkInterface string
	// AccessInterface becomes the secondary device.
	AccessInterface string
}

// Validate checks that s carries everything RunInstances needs.
func (s ProvisionSpec) Validate() error {
	switch {
	case s.Name == "":
		return errors.New("provision: name is required")
	case s.ImageID == "":
		return errors.New("provision: image id is required")
	case s.InstanceType == "":
		return errors.New("provision: instance type is required")
	case s.UplinkInterface == "" || s.AccessInterface == "":
		return errors.New("provision: uplink and access interfaces are required")
	}
	return nil
}

// ProvisionInstance launches one instance from the image with the uplink
// interface as primary and the access interface as secondary, then tags it.
// When the uplink interface is already attached to a live instance, that
// instance is returned and nothing is launched.
func (m *Mutator) ProvisionInstance(ctx context.Context, spec ProvisionSpec) (string, Outcome, error) {
	if err := spec.Validate(); err != nil {
		return "", "", &MutationError{Operation: "run instance", Resource: spec.Name, Cause: err}
	}

	uplinkID, err := m.resolver.InterfaceID(ctx, spec.UplinkInterface)
	if err != nil {
		return "", "", err
	}
	accessID, err := m.resolver.InterfaceID(ctx, spec.AccessInterface)
	if err != nil {
		return "", "", err
	}

	existing, err := m.launchedOn(ctx, uplinkID)
	if err != nil {
		return "", "", err
	}
	if existing != "" {
		if err := m.ensureNameTag(ctx, existing, spec.Name); err != nil {
			return "", "", err
		}
		return existing, Skipped, nil
	}

	rootDevice := spec.RootDevice
	if rootDevice == "" {
		rootDevice = "/dev/sda1"
	}

	var output *ec2.RunInstancesOutput
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		output, err = m.client.RunInstances(ctx, &ec2.RunInstancesInput{
			ImageId:      aws.String(spec.ImageID),
			InstanceType: ec2types.InstanceType(spec.InstanceType),
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{
				{
					DeviceName: aws.String(rootDevice),
					Ebs:        &ec2types.EbsBlockDevice{DeleteOnTermination: aws.Bool(true)},
				},
			},
			NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{
				{DeviceIndex: aws.Int32(0), NetworkInterfaceId: aws.String(uplinkID)},
				{DeviceIndex: aws.Int32(m.opts.AccessDeviceIndex), NetworkInterfaceId: aws.String(accessID)},
			},
		})
		return err
	})
	if err != nil {
		return "", "", &MutationError{Operation: "run instance", Resource: spec.Name, Cause: err}
	}
	if output == nil || len(output.Instances) == 0 || aws.ToString(output.Instances[0].InstanceId) == "" {
		return "", "", &MutationError{Operation: "run instance", Resource: spec.Name, Cause: errNoInstance}
	}

	instanceID := aws.ToString(output.Instances[0].InstanceId)
	if err := m.tagName(ctx, instanceID, spec.Name); err != nil {
		return "", "", err
	}

	m.logger.Info().Ctx(ctx).
		Str("instance", spec.Name).
		Str("instance_id", instanceID).
		Str("image_id", spec.ImageID).
		Str("instance_type", spec.InstanceType).
		Msg("instance launched")
	return instanceID, Applied, nil
}

// launchedOn returns the live instance the interface is attached to, if any.
func (m *Mutator) launchedOn(ctx context.Context, nicID string) (string, error) {
	nic, err := m.inspector.Interface(ctx, nicID)
	if err != nil {
		return "", err
	}
	if nic.Attachment == nil {
		return "", nil
	}

	state, err := m.inspector.InstanceState(ctx, nic.Attachment.InstanceID)
	if err != nil {
		return "", err
	}
	if state.Terminated() {
		return "", nil
	}
	return nic.Attachment.InstanceID, nil
}

func (m *Mutator) ensureNameTag(ctx context.Context, instanceID, name string) error {
	state, err := m.inspector.InstanceState(ctx, instanceID)
	if err != nil {
		return err
	}
	if state.Name == name {
		return nil
	}
	return m.tagName(ctx, instanceID, name)
}

func (m *Mutator) tagName(ctx context.Context, instanceID, name string) error {
	err := m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{instanceID},
			Tags:      []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
		})
		return err
	})
	if err != nil {
		return &MutationError{Operation: "tag instance", Resource: instanceID, Cause: err}
	}
	return nil
}
