package fake

import (
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Topology describes an NSG pair in its pre-failover state.
type Topology struct {
	PublicIP        string
	AccessInterface string
	AccessIP        string

	OldInstance string
	OldUplink   string
	OldUplinkIP string

	// NewInstance is left empty when the standby is provisioned from an image.
	NewInstance string
	NewUplink   string
	NewUplinkIP string
}

// Seed builds a control plane holding t: the old instance running with the
// address on its uplink and the access interface at device index 1, the
// standby stopped with its own uplink.
func Seed(t Topology) *Cloud {
	c := New()

	oldID := c.AddInstance(t.OldInstance, ec2types.InstanceStateNameRunning)
	oldUplink := c.AddInterface(t.OldUplink, orDefault(t.OldUplinkIP, "10.0.1.10"))
	access := c.AddInterface(t.AccessInterface, orDefault(t.AccessIP, "10.0.2.10"))
	c.Attach(oldUplink, oldID, 0)
	c.Attach(access, oldID, 1)

	newUplink := c.AddInterface(t.NewUplink, orDefault(t.NewUplinkIP, "10.0.1.9"))
	if t.NewInstance != "" {
		newID := c.AddInstance(t.NewInstance, ec2types.InstanceStateNameStopped)
		c.Attach(newUplink, newID, 0)
	}

	c.AddAddress(t.PublicIP)
	c.Associate(t.PublicIP, oldUplink)
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
