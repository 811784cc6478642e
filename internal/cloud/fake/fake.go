// Package fake is an in-memory EC2 control plane. It models just enough of
// instances, network interfaces and elastic IPs to rehearse a failover:
// single-attachment interfaces, single-association addresses and a detach that
// settles asynchronously.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/btree"
)

type instance struct {
	id    string
	name  string
	state ec2types.InstanceStateName
	image string
}

type attachment struct {
	id          string
	instanceID  string
	deviceIndex int32
}

type nic struct {
	id         string
	name       string
	privateIP  string
	attachment *attachment
	// settling counts the status reads left before a detach completes.
	settling  int
	detaching bool
}

type address struct {
	publicIP      string
	allocationID  string
	associationID string
	nicID         string
	privateIP     string
}

// Cloud is a thread-safe in-memory control plane implementing cloud.EC2API.
type Cloud struct {
	mu sync.Mutex

	instances *btree.BTreeG[*instance]
	nics      *btree.BTreeG[*nic]
	addresses *btree.BTreeG[*address]

	seq      int
	calls    []Call
	failures map[string]error

	// DetachReads is how many interface reads a forced detach stays in
	// "detaching" before the interface becomes available. Negative never settles.
	DetachReads int
}

// Call records one mutating API call.
type Call struct {
	Op     string
	Target string
}

// New creates an empty control plane.
func New() *Cloud {
	return &Cloud{
		instances: btree.NewG[*instance](8, func(a, b *instance) bool { return a.id < b.id }),
		nics:      btree.NewG[*nic](8, func(a, b *nic) bool { return a.id < b.id }),
		addresses: btree.NewG[*address](8, func(a, b *address) bool { return a.publicIP < b.publicIP }),
		failures:  make(map[string]error),
	}
}

func (c *Cloud) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%017x", prefix, c.seq)
}

func apiError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...), Fault: smithy.FaultClient}
}

// FailOn makes every call to op return err until cleared with a nil err.
func (c *Cloud) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Calls returns the mutating calls made so far, in order.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// record logs a mutating call and returns an injected failure, if any.
func (c *Cloud) record(op, target string) error {
	if err, ok := c.failures[op]; ok {
		return err
	}
	c.calls = append(c.calls, Call{Op: op, Target: target})
	return nil
}

// AddInstance creates an instance with the given Name tag and state.
func (c *Cloud) AddInstance(name string, state ec2types.InstanceStateName) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := &instance{id: c.nextID("i"), name: name, state: state}
	c.instances.ReplaceOrInsert(inst)
	return inst.id
}

// AddInterface creates an available network interface.
func (c *Cloud) AddInterface(name, privateIP string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &nic{id: c.nextID("eni"), name: name, privateIP: privateIP}
	c.nics.ReplaceOrInsert(n)
	return n.id
}

// Attach attaches an interface directly, bypassing API checks.
func (c *Cloud) Attach(nicID, instanceID string, deviceIndex int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nics.Get(&nic{id: nicID}); ok {
		n.attachment = &attachment{id: c.nextID("eni-attach"), instanceID: instanceID, deviceIndex: deviceIndex}
	}
}

// AddAddress allocates an elastic IP and returns its allocation id.
func (c *Cloud) AddAddress(publicIP string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &address{publicIP: publicIP, allocationID: c.nextID("eipalloc")}
	c.addresses.ReplaceOrInsert(a)
	return a.allocationID
}

// Associate binds an address to an interface directly, bypassing API checks.
func (c *Cloud) Associate(publicIP, nicID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.addresses.Get(&address{publicIP: publicIP})
	if !ok {
		return
	}
	n, ok := c.nics.Get(&nic{id: nicID})
	if !ok {
		return
	}
	a.associationID = c.nextID("eipassoc")
	a.nicID = nicID
	a.privateIP = n.privateIP
}

// InstanceState returns the current state of an instance.
func (c *Cloud) InstanceState(id string) ec2types.InstanceStateName {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances.Get(&instance{id: id}); ok {
		return inst.state
	}
	return ""
}

// InstanceByName returns the id of the first non-terminated instance with name.
func (c *Cloud) InstanceByName(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id string
	c.instances.Ascend(func(inst *instance) bool {
		if inst.name == name && inst.state != ec2types.InstanceStateNameTerminated {
			id = inst.id
			return false
		}
		return true
	})
	return id
}

// Attachment returns the instance and device index an interface is attached
// to. Ok is false when the interface is free.
func (c *Cloud) Attachment(nicID string) (instanceID string, deviceIndex int32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, found := c.nics.Get(&nic{id: nicID})
	if !found || n.attachment == nil {
		return "", 0, false
	}
	return n.attachment.instanceID, n.attachment.deviceIndex, true
}

// AddressBinding returns the interface and private IP the address maps to.
func (c *Cloud) AddressBinding(publicIP string) (nicID, privateIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.addresses.Get(&address{publicIP: publicIP}); ok {
		return a.nicID, a.privateIP
	}
	return "", ""
}

// DescribeInstances supports InstanceIds and the tag:Name and
// instance-state-name filters.
func (c *Cloud) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failures["DescribeInstances"]; err != nil {
		return nil, err
	}

	var out []ec2types.Instance
	c.instances.Ascend(func(inst *instance) bool {
		if len(params.InstanceIds) > 0 && !contains(params.InstanceIds, inst.id) {
			return true
		}
		if !matchFilters(params.Filters, map[string]string{
			"tag:Name":            inst.name,
			"instance-state-name": string(inst.state),
		}) {
			return true
		}
		out = append(out, c.toInstance(inst))
		return true
	})

	if len(out) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: out}},
	}, nil
}

func (c *Cloud) toInstance(inst *instance) ec2types.Instance {
	out := ec2types.Instance{
		InstanceId: aws.String(inst.id),
		State:      &ec2types.InstanceState{Name: inst.state},
	}
	if inst.image != "" {
		out.ImageId = aws.String(inst.image)
	}
	if inst.name != "" {
		out.Tags = []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(inst.name)}}
	}
	return out
}

// DescribeNetworkInterfaces supports NetworkInterfaceIds and the tag:Name filter.
// Every read advances pending detaches.
func (c *Cloud) DescribeNetworkInterfaces(_ context.Context, params *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failures["DescribeNetworkInterfaces"]; err != nil {
		return nil, err
	}

	var out []ec2types.NetworkInterface
	c.nics.Ascend(func(n *nic) bool {
		if len(params.NetworkInterfaceIds) > 0 && !contains(params.NetworkInterfaceIds, n.id) {
			return true
		}
		if !matchFilters(params.Filters, map[string]string{"tag:Name": n.name}) {
			return true
		}
		c.settle(n)
		out = append(out, toInterface(n))
		return true
	})
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: out}, nil
}

func (c *Cloud) settle(n *nic) {
	if !n.detaching || n.settling < 0 {
		return
	}
	if n.settling > 0 {
		n.settling--
		return
	}
	n.detaching = false
	n.attachment = nil
}

func toInterface(n *nic) ec2types.NetworkInterface {
	out := ec2types.NetworkInterface{
		NetworkInterfaceId: aws.String(n.id),
		PrivateIpAddress:   aws.String(n.privateIP),
		Status:             ec2types.NetworkInterfaceStatusAvailable,
	}
	if n.name != "" {
		out.TagSet = []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(n.name)}}
	}
	if n.attachment != nil {
		out.Status = ec2types.NetworkInterfaceStatusInUse
		if n.detaching {
			out.Status = ec2types.NetworkInterfaceStatus("detaching")
		}
		out.Attachment = &ec2types.NetworkInterfaceAttachment{
			AttachmentId: aws.String(n.attachment.id),
			InstanceId:   aws.String(n.attachment.instanceID),
			DeviceIndex:  aws.Int32(n.attachment.deviceIndex),
		}
	}
	return out
}

// DescribeAddresses supports PublicIps and the public-ip filter.
func (c *Cloud) DescribeAddresses(_ context.Context, params *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failures["DescribeAddresses"]; err != nil {
		return nil, err
	}

	var out []ec2types.Address
	c.addresses.Ascend(func(a *address) bool {
		if len(params.PublicIps) > 0 && !contains(params.PublicIps, a.publicIP) {
			return true
		}
		if !matchFilters(params.Filters, map[string]string{"public-ip": a.publicIP}) {
			return true
		}
		addr := ec2types.Address{
			PublicIp:     aws.String(a.publicIP),
			AllocationId: aws.String(a.allocationID),
		}
		if a.associationID != "" {
			addr.AssociationId = aws.String(a.associationID)
			addr.NetworkInterfaceId = aws.String(a.nicID)
			addr.PrivateIpAddress = aws.String(a.privateIP)
		}
		out = append(out, addr)
		return true
	})
	return &ec2.DescribeAddressesOutput{Addresses: out}, nil
}

// StopInstances stops instances immediately.
func (c *Cloud) StopInstances(_ context.Context, params *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return &ec2.StopInstancesOutput{}, c.setState("StopInstances", params.InstanceIds, ec2types.InstanceStateNameStopped)
}

// StartInstances starts instances immediately.
func (c *Cloud) StartInstances(_ context.Context, params *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return &ec2.StartInstancesOutput{}, c.setState("StartInstances", params.InstanceIds, ec2types.InstanceStateNameRunning)
}

// TerminateInstances terminates instances and frees their interfaces.
func (c *Cloud) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if err := c.setState("TerminateInstances", params.InstanceIds, ec2types.InstanceStateNameTerminated); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nics.Ascend(func(n *nic) bool {
		if n.attachment != nil && contains(params.InstanceIds, n.attachment.instanceID) {
			n.attachment = nil
			n.detaching = false
		}
		return true
	})
	return &ec2.TerminateInstancesOutput{}, nil
}

func (c *Cloud) setState(op string, ids []string, state ec2types.InstanceStateName) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		inst, ok := c.instances.Get(&instance{id: id})
		if !ok {
			return apiError("InvalidInstanceID.NotFound", "instance %s does not exist", id)
		}
		if inst.state == ec2types.InstanceStateNameTerminated {
			return apiError("IncorrectInstanceState", "instance %s is terminated", id)
		}
	}
	if err := c.record(op, ids[0]); err != nil {
		return err
	}
	for _, id := range ids {
		inst, _ := c.instances.Get(&instance{id: id})
		inst.state = state
	}
	return nil
}

// DetachNetworkInterface starts a detach that settles after DetachReads reads.
func (c *Cloud) DetachNetworkInterface(_ context.Context, params *ec2.DetachNetworkInterfaceInput, _ ...func(*ec2.Options)) (*ec2.DetachNetworkInterfaceOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attachmentID := aws.ToString(params.AttachmentId)
	var target *nic
	c.nics.Ascend(func(n *nic) bool {
		if n.attachment != nil && n.attachment.id == attachmentID {
			target = n
			return false
		}
		return true
	})
	if target == nil {
		return nil, apiError("InvalidAttachmentID.NotFound", "attachment %s does not exist", attachmentID)
	}
	if err := c.record("DetachNetworkInterface", target.id); err != nil {
		return nil, err
	}

	target.detaching = true
	target.settling = c.DetachReads
	if c.DetachReads == 0 {
		target.detaching = false
		target.attachment = nil
	}
	return &ec2.DetachNetworkInterfaceOutput{}, nil
}

// AttachNetworkInterface attaches a free interface to an instance.
func (c *Cloud) AttachNetworkInterface(_ context.Context, params *ec2.AttachNetworkInterfaceInput, _ ...func(*ec2.Options)) (*ec2.AttachNetworkInterfaceOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nicID := aws.ToString(params.NetworkInterfaceId)
	n, ok := c.nics.Get(&nic{id: nicID})
	if !ok {
		return nil, apiError("InvalidNetworkInterfaceID.NotFound", "interface %s does not exist", nicID)
	}
	if n.attachment != nil {
		return nil, apiError("InvalidNetworkInterface.InUse", "interface %s is in use", nicID)
	}
	instanceID := aws.ToString(params.InstanceId)
	if _, ok := c.instances.Get(&instance{id: instanceID}); !ok {
		return nil, apiError("InvalidInstanceID.NotFound", "instance %s does not exist", instanceID)
	}
	if err := c.record("AttachNetworkInterface", nicID); err != nil {
		return nil, err
	}

	n.attachment = &attachment{id: c.nextID("eni-attach"), instanceID: instanceID, deviceIndex: aws.ToInt32(params.DeviceIndex)}
	return &ec2.AttachNetworkInterfaceOutput{AttachmentId: aws.String(n.attachment.id)}, nil
}

// AssociateAddress binds an address to an interface. Reassociation is refused
// unless explicitly allowed.
func (c *Cloud) AssociateAddress(_ context.Context, params *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	allocationID := aws.ToString(params.AllocationId)
	var target *address
	c.addresses.Ascend(func(a *address) bool {
		if a.allocationID == allocationID {
			target = a
			return false
		}
		return true
	})
	if target == nil {
		return nil, apiError("InvalidAllocationID.NotFound", "allocation %s does not exist", allocationID)
	}
	nicID := aws.ToString(params.NetworkInterfaceId)
	if _, ok := c.nics.Get(&nic{id: nicID}); !ok {
		return nil, apiError("InvalidNetworkInterfaceID.NotFound", "interface %s does not exist", nicID)
	}
	if target.associationID != "" && !aws.ToBool(params.AllowReassociation) {
		return nil, apiError("Resource.AlreadyAssociated", "address %s is already associated", target.publicIP)
	}
	if err := c.record("AssociateAddress", nicID); err != nil {
		return nil, err
	}

	target.associationID = c.nextID("eipassoc")
	target.nicID = nicID
	target.privateIP = aws.ToString(params.PrivateIpAddress)
	return &ec2.AssociateAddressOutput{AssociationId: aws.String(target.associationID)}, nil
}

// DisassociateAddress releases an address by association id.
func (c *Cloud) DisassociateAddress(_ context.Context, params *ec2.DisassociateAddressInput, _ ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	associationID := aws.ToString(params.AssociationId)
	var target *address
	c.addresses.Ascend(func(a *address) bool {
		if a.associationID != "" && a.associationID == associationID {
			target = a
			return false
		}
		return true
	})
	if target == nil {
		return nil, apiError("InvalidAssociationID.NotFound", "association %s does not exist", associationID)
	}
	if err := c.record("DisassociateAddress", target.publicIP); err != nil {
		return nil, err
	}

	target.associationID = ""
	target.nicID = ""
	target.privateIP = ""
	return &ec2.DisassociateAddressOutput{}, nil
}

// RunInstances launches one running instance per call with the requested
// interfaces attached. Every interface must be free.
func (c *Cloud) RunInstances(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if aws.ToString(params.ImageId) == "" {
		return nil, apiError("MissingParameter", "image id is required")
	}
	for _, spec := range params.NetworkInterfaces {
		id := aws.ToString(spec.NetworkInterfaceId)
		n, ok := c.nics.Get(&nic{id: id})
		if !ok {
			return nil, apiError("InvalidNetworkInterfaceID.NotFound", "interface %s does not exist", id)
		}
		if n.attachment != nil {
			return nil, apiError("InvalidNetworkInterface.InUse", "interface %s is in use", id)
		}
	}
	if err := c.record("RunInstances", aws.ToString(params.ImageId)); err != nil {
		return nil, err
	}

	inst := &instance{id: c.nextID("i"), state: ec2types.InstanceStateNameRunning, image: aws.ToString(params.ImageId)}
	c.instances.ReplaceOrInsert(inst)
	for _, spec := range params.NetworkInterfaces {
		n, _ := c.nics.Get(&nic{id: aws.ToString(spec.NetworkInterfaceId)})
		n.attachment = &attachment{id: c.nextID("eni-attach"), instanceID: inst.id, deviceIndex: aws.ToInt32(spec.DeviceIndex)}
	}

	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{c.toInstance(inst)}}, nil
}

// CreateTags supports the Name tag on instances and interfaces.
func (c *Cloud) CreateTags(_ context.Context, params *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var name string
	for _, tag := range params.Tags {
		if aws.ToString(tag.Key) == "Name" {
			name = aws.ToString(tag.Value)
		}
	}
	for _, id := range params.Resources {
		if err := c.record("CreateTags", id); err != nil {
			return nil, err
		}
		if inst, ok := c.instances.Get(&instance{id: id}); ok {
			inst.name = name
			continue
		}
		if n, ok := c.nics.Get(&nic{id: id}); ok {
			n.name = name
			continue
		}
		return nil, apiError("InvalidID", "resource %s does not exist", id)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func matchFilters(filters []ec2types.Filter, fields map[string]string) bool {
	for _, f := range filters {
		value, ok := fields[aws.ToString(f.Name)]
		if !ok {
			continue
		}
		if !contains(f.Values, value) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
