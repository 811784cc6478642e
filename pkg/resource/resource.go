// Package resource defines the named resource model for nsgswap.
package resource

import "fmt"

// Kind identifies the type of a control-plane resource.
type Kind string

const (
	KindInstance         Kind = "instance"
	KindNetworkInterface Kind = "network-interface"
	KindElasticAddress   Kind = "elastic-address"
)

// Ref names a resource in the control plane. For elastic addresses the
// name is the public IP literal; everything else is looked up by Name tag.
type Ref struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

// Instance returns a reference to a named instance.
func Instance(name string) Ref { return Ref{Kind: KindInstance, Name: name} }

// Interface returns a reference to a named network interface.
func Interface(name string) Ref { return Ref{Kind: KindNetworkInterface, Name: name} }

// Address returns a reference to an elastic address by public IP.
func Address(publicIP string) Ref { return Ref{Kind: KindElasticAddress, Name: publicIP} }

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// PowerState is the coarse power state the failover logic cares about.
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerOther   PowerState = "other"
)

// AttachmentStatus is the attachment state of a network interface.
type AttachmentStatus string

const (
	StatusAvailable AttachmentStatus = "available"
	StatusInUse     AttachmentStatus = "in-use"
)

// PrimaryDeviceIndex is the device index of an instance's primary (uplink) interface.
const PrimaryDeviceIndex int32 = 0

// Attachment describes where a network interface is attached.
type Attachment struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id"`
	DeviceIndex int32  `json:"device_index"`
}

// NetworkInterface is a point-in-time snapshot of a network interface.
type NetworkInterface struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Status     AttachmentStatus `json:"status"`
	RawStatus  string           `json:"raw_status"`
	PrivateIP  string           `json:"private_ip"`
	Attachment *Attachment      `json:"attachment,omitempty"`
}

// AttachedTo reports whether the interface is attached to instanceID at deviceIndex.
func (n NetworkInterface) AttachedTo(instanceID string, deviceIndex int32) bool {
	return n.Attachment != nil &&
		n.Attachment.InstanceID == instanceID &&
		n.Attachment.DeviceIndex == deviceIndex
}

// ElasticAddress is a point-in-time snapshot of an elastic IP.
type ElasticAddress struct {
	PublicIP      string `json:"public_ip"`
	AllocationID  string `json:"allocation_id"`
	AssociationID string `json:"association_id,omitempty"`
	InterfaceID   string `json:"interface_id,omitempty"`
	PrivateIP     string `json:"private_ip,omitempty"`
}

// Associated reports whether the address is currently bound to an interface.
func (a ElasticAddress) Associated() bool {
	return a.AssociationID != ""
}
