package nsg

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/pkg/resource"
)

// Outcome tells whether a mutator changed anything.
type Outcome string

const (
	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
)

// Options configure the mutators.
type Options struct {
	// CallTimeout bounds every single provider call. Zero disables it.
	CallTimeout time.Duration
	// DetachTimeout bounds the wait for a detached interface to become available.
	DetachTimeout time.Duration
	// PollInterval is the delay between attachment status reads while detaching.
	PollInterval time.Duration
	// AccessDeviceIndex is the secondary slot the access interface is attached at.
	AccessDeviceIndex int32
	// Logger overrides the global logger when set.
	Logger *zerolog.Logger
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		CallTimeout:       30 * time.Second,
		DetachTimeout:     2 * time.Minute,
		PollInterval:      2 * time.Second,
		AccessDeviceIndex: 1,
	}
}

// Mutator performs guarded state transitions. Each method reads the current
// state first and returns Skipped when the target state already holds.
type Mutator struct {
	client    cloud.EC2API
	resolver  *Resolver
	inspector *Inspector
	opts      Options
	logger    zerolog.Logger
}

// NewMutator creates a mutator with its own resolver and inspector.
func NewMutator(client cloud.EC2API, opts Options) *Mutator {
	defaults := DefaultOptions()
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = defaults.DetachTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.AccessDeviceIndex <= 0 {
		opts.AccessDeviceIndex = defaults.AccessDeviceIndex
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Mutator{
		client:    client,
		resolver:  NewResolver(client, opts.CallTimeout),
		inspector: NewInspector(client, opts.CallTimeout),
		opts:      opts,
		logger:    logger.With().Str("component", "mutator").Logger(),
	}
}

// Resolver returns the resolver used by the mutator.
func (m *Mutator) Resolver() *Resolver { return m.resolver }

// Inspector returns the inspector used by the mutator.
func (m *Mutator) Inspector() *Inspector { return m.inspector }

// PowerOff stops the named instance unless it is already stopped.
// It does not wait for the stop to complete.
func (m *Mutator) PowerOff(ctx context.Context, instanceName string) (Outcome, error) {
	id, err := m.resolver.InstanceID(ctx, instanceName)
	if err != nil {
		return "", err
	}

	state, err := m.inspector.InstanceState(ctx, id)
	if err != nil {
		return "", err
	}
	if state.Power == resource.PowerStopped {
		return Skipped, nil
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "stop instance", Resource: instanceName, Cause: err}
	}

	m.logger.Debug().Ctx(ctx).Str("instance", instanceName).Str("instance_id", id).Str("from", state.Raw).Msg("stop requested")
	return Applied, nil
}

// PowerOn starts the named instance unless it is already running.
func (m *Mutator) PowerOn(ctx context.Context, instanceName string) (Outcome, error) {
	id, err := m.resolver.InstanceID(ctx, instanceName)
	if err != nil {
		return "", err
	}

	state, err := m.inspector.InstanceState(ctx, id)
	if err != nil {
		return "", err
	}
	if state.Power == resource.PowerRunning {
		return Skipped, nil
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "start instance", Resource: instanceName, Cause: err}
	}

	m.logger.Debug().Ctx(ctx).Str("instance", instanceName).Str("instance_id", id).Str("from", state.Raw).Msg("start requested")
	return Applied, nil
}

// Terminate terminates the named instance. A name that no longer resolves to
// a live instance counts as already terminated.
func (m *Mutator) Terminate(ctx context.Context, instanceName string) (Outcome, error) {
	id, err := m.resolver.InstanceID(ctx, instanceName)
	if IsNotFound(err) {
		return Skipped, nil
	}
	if err != nil {
		return "", err
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "terminate instance", Resource: instanceName, Cause: err}
	}
	return Applied, nil
}

// DetachInterface force-detaches the named secondary interface from the named
// instance and waits until the interface reports available. An interface that
// is already free, or attached somewhere else, is left alone.
func (m *Mutator) DetachInterface(ctx context.Context, interfaceName, instanceName string) (Outcome, error) {
	nicID, err := m.resolver.InterfaceID(ctx, interfaceName)
	if err != nil {
		return "", err
	}

	nic, err := m.inspector.Interface(ctx, nicID)
	if err != nil {
		return "", err
	}
	if nic.Status != resource.StatusInUse || nic.Attachment == nil {
		return Skipped, nil
	}

	instanceID, err := m.resolver.InstanceID(ctx, instanceName)
	if IsNotFound(err) {
		return Skipped, nil
	}
	if err != nil {
		return "", err
	}
	if nic.Attachment.InstanceID != instanceID {
		m.logger.Info().Ctx(ctx).
			Str("interface", interfaceName).
			Str("attached_to", nic.Attachment.InstanceID).
			Msg("interface not attached to the draining instance, leaving it")
		return Skipped, nil
	}
	if nic.Attachment.DeviceIndex == resource.PrimaryDeviceIndex {
		return "", &MutationError{Operation: "detach network interface", Resource: interfaceName, Cause: errPrimary}
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.DetachNetworkInterface(ctx, &ec2.DetachNetworkInterfaceInput{
			AttachmentId: aws.String(nic.Attachment.ID),
			Force:        aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "detach network interface", Resource: interfaceName, Cause: err}
	}

	if err := m.waitAvailable(ctx, interfaceName, nicID); err != nil {
		return "", err
	}
	return Applied, nil
}

// waitAvailable polls the attachment status until the interface is free.
func (m *Mutator) waitAvailable(ctx context.Context, interfaceName, nicID string) error {
	start := time.Now()
	deadline := time.NewTimer(m.opts.DetachTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	var last string
	for {
		nic, err := m.inspector.Interface(ctx, nicID)
		if err != nil {
			return err
		}
		if nic.Status == resource.StatusAvailable {
			m.logger.Debug().Ctx(ctx).Str("interface", interfaceName).Dur("waited", time.Since(start)).Msg("interface available")
			return nil
		}
		last = nic.RawStatus

		select {
		case <-ctx.Done():
			return &MutationError{Operation: "wait for interface", Resource: interfaceName, Cause: ctx.Err()}
		case <-deadline.C:
			return &TimeoutError{Operation: "wait for interface", Resource: interfaceName, Waited: time.Since(start), Last: last}
		case <-ticker.C:
		}
	}
}

// AttachInterface attaches the named interface to the named instance at the
// configured secondary device index.
func (m *Mutator) AttachInterface(ctx context.Context, interfaceName, instanceName string) (Outcome, error) {
	nicID, err := m.resolver.InterfaceID(ctx, interfaceName)
	if err != nil {
		return "", err
	}
	instanceID, err := m.resolver.InstanceID(ctx, instanceName)
	if err != nil {
		return "", err
	}

	nic, err := m.inspector.Interface(ctx, nicID)
	if err != nil {
		return "", err
	}
	if nic.AttachedTo(instanceID, m.opts.AccessDeviceIndex) {
		return Skipped, nil
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.AttachNetworkInterface(ctx, &ec2.AttachNetworkInterfaceInput{
			DeviceIndex:        aws.Int32(m.opts.AccessDeviceIndex),
			InstanceId:         aws.String(instanceID),
			NetworkInterfaceId: aws.String(nicID),
		})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "attach network interface", Resource: interfaceName, Cause: err}
	}
	return Applied, nil
}

// DisassociateAddress releases the elastic IP from whatever interface holds it.
// An address with no association is an error, not a no-op.
func (m *Mutator) DisassociateAddress(ctx context.Context, publicIP string) (Outcome, error) {
	associationID, err := m.resolver.AssociationID(ctx, publicIP)
	if errors.Is(err, errNoAssociation) {
		return "", &MutationError{Operation: "disassociate address", Resource: publicIP, Cause: errNoAssociation}
	}
	if err != nil {
		return "", err
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{
			AssociationId: aws.String(associationID),
		})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "disassociate address", Resource: publicIP, Cause: err}
	}
	return Applied, nil
}

// AssociateAddress binds the elastic IP to the named interface at the
// interface's current primary private IP.
func (m *Mutator) AssociateAddress(ctx context.Context, publicIP, interfaceName string) (Outcome, error) {
	allocationID, err := m.resolver.AllocationID(ctx, publicIP)
	if err != nil {
		return "", err
	}
	nicID, err := m.resolver.InterfaceID(ctx, interfaceName)
	if err != nil {
		return "", err
	}
	privateIP, err := m.resolver.PrivateIP(ctx, interfaceName)
	if err != nil {
		return "", err
	}

	addr, err := m.inspector.Address(ctx, publicIP)
	if err != nil {
		return "", err
	}
	if addr.InterfaceID == nicID && addr.PrivateIP == privateIP {
		return Skipped, nil
	}

	err = m.call(ctx, func(ctx context.Context) error {
		_, err := m.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
			AllocationId:       aws.String(allocationID),
			NetworkInterfaceId: aws.String(nicID),
			PrivateIpAddress:   aws.String(privateIP),
			AllowReassociation: aws.Bool(false),
		})
		return err
	})
	if err != nil {
		return "", &MutationError{Operation: "associate address", Resource: publicIP, Cause: err}
	}

	m.logger.Debug().Ctx(ctx).
		Str("address", publicIP).
		Str("interface_id", nicID).
		Str("private_ip", privateIP).
		Msg("address associated")
	return Applied, nil
}

// AddressBoundTo reports whether the elastic IP is associated with the named
// interface.
func (m *Mutator) AddressBoundTo(ctx context.Context, publicIP, interfaceName string) (bool, error) {
	nicID, err := m.resolver.InterfaceID(ctx, interfaceName)
	if err != nil {
		return false, err
	}
	addr, err := m.inspector.Address(ctx, publicIP)
	if err != nil {
		return false, err
	}
	return addr.Associated() && addr.InterfaceID == nicID, nil
}

// call runs fn under the per-call deadline.
func (m *Mutator) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := withDeadline(ctx, m.opts.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
