// Package failover runs the ordered reconfiguration that moves an NSG pair's
// elastic IP and access interface from the old instance to the new one.
package failover

import (
	"errors"
	"fmt"
	"net"
)

// Scenario selects which fixed step sequence a plan runs.
type Scenario string

const (
	// ScenarioSwap moves traffic to a pre-created, stopped standby.
	ScenarioSwap Scenario = "swap"
	// ScenarioProvision launches the standby from a golden image.
	ScenarioProvision Scenario = "provision"
)

// RetireMode is what happens to the old instance at the end of a provision run.
type RetireMode string

const (
	RetireStop      RetireMode = "stop"
	RetireTerminate RetireMode = "terminate"
)

// Node is one side of the NSG pair.
type Node struct {
	Instance string `json:"instance" yaml:"instance"`
	Uplink   string `json:"uplink" yaml:"uplink"`
}

// Image describes how a provisioned standby is launched.
type Image struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	InstanceType string `json:"instance_type,omitempty" yaml:"instance_type,omitempty"`
	RootDevice   string `json:"root_device,omitempty" yaml:"root_device,omitempty"`
}

// Settings are the named resources and choices of one deployment.
type Settings struct {
	Scenario        Scenario   `json:"scenario" yaml:"scenario"`
	ElasticIP       string     `json:"elastic_ip" yaml:"elastic_ip"`
	AccessInterface string     `json:"access_interface" yaml:"access_interface"`
	Old             Node       `json:"old" yaml:"old"`
	New             Node       `json:"new" yaml:"new"`
	Retire          RetireMode `json:"retire,omitempty" yaml:"retire,omitempty"`
	Image           Image      `json:"image,omitempty" yaml:"image,omitempty"`
}

// Validate reports the first missing or malformed setting.
func (s Settings) Validate() error {
	switch {
	case s.ElasticIP == "":
		return errors.New("elastic ip is required")
	case net.ParseIP(s.ElasticIP) == nil:
		return fmt.Errorf("elastic ip %q is not an IP address", s.ElasticIP)
	case s.AccessInterface == "":
		return errors.New("access interface is required")
	case s.Old.Instance == "" || s.Old.Uplink == "":
		return errors.New("old instance and uplink are required")
	case s.New.Instance == "" || s.New.Uplink == "":
		return errors.New("new instance and uplink are required")
	}

	switch s.Scenario {
	case ScenarioSwap:
	case ScenarioProvision:
		if s.Image.ID == "" || s.Image.InstanceType == "" {
			return errors.New("provision scenario needs an image id and instance type")
		}
		if s.Retire != RetireStop && s.Retire != RetireTerminate {
			return fmt.Errorf("unknown retire mode %q", s.Retire)
		}
	default:
		return fmt.Errorf("unknown scenario %q", s.Scenario)
	}
	return nil
}

// Op is the mutation a step performs.
type Op string

const (
	OpDetachInterface     Op = "detach-interface"
	OpPowerOff            Op = "power-off"
	OpDisassociateAddress Op = "disassociate-address"
	OpAssociateAddress    Op = "associate-address"
	OpAttachInterface     Op = "attach-interface"
	OpPowerOn             Op = "power-on"
	OpProvisionInstance   Op = "provision-instance"
	OpTerminateInstance   Op = "terminate-instance"
)

// Phase is the orchestrator state while a step runs.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseDraining     Phase = "draining"
	PhaseDetaching    Phase = "detaching"
	PhaseRerouting    Phase = "rerouting"
	PhaseProvisioning Phase = "provisioning"
	PhaseActivating   Phase = "activating"
	PhaseRetiring     Phase = "retiring"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Step is one mutation of a plan. Only the fields the op needs are set.
type Step struct {
	Op        Op     `json:"op" yaml:"op"`
	Phase     Phase  `json:"phase" yaml:"phase"`
	Instance  string `json:"instance,omitempty" yaml:"instance,omitempty"`
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty"`
	Address   string `json:"address,omitempty" yaml:"address,omitempty"`
}

// Target names what the step acts on, for logs and errors.
func (s Step) Target() string {
	switch s.Op {
	case OpDetachInterface:
		return fmt.Sprintf("%s from %s", s.Interface, s.Instance)
	case OpAttachInterface:
		return fmt.Sprintf("%s to %s", s.Interface, s.Instance)
	case OpDisassociateAddress:
		return fmt.Sprintf("%s from %s", s.Address, s.Interface)
	case OpAssociateAddress:
		return fmt.Sprintf("%s to %s", s.Address, s.Interface)
	case OpProvisionInstance:
		return fmt.Sprintf("%s on %s", s.Instance, s.Interface)
	default:
		return s.Instance
	}
}

// Plan is a fixed, ordered step sequence with the settings it was built from.
type Plan struct {
	Name     string `json:"name" yaml:"name"`
	Settings `yaml:",inline"`
	Steps    []Step `json:"steps" yaml:"steps"`
}

// BuildPlan validates s and returns the plan for its scenario.
func BuildPlan(s Settings) (*Plan, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid failover settings: %w", err)
	}
	if s.Scenario == ScenarioProvision {
		return ProvisionPlan(s), nil
	}
	return SwapPlan(s), nil
}

// SwapPlan moves the access interface and the address to a stopped standby,
// then starts it.
func SwapPlan(s Settings) *Plan {
	s.Scenario = ScenarioSwap
	return &Plan{
		Name:     planName(s),
		Settings: s,
		Steps: []Step{
			{Op: OpDetachInterface, Phase: PhaseDetaching, Interface: s.AccessInterface, Instance: s.Old.Instance},
			{Op: OpPowerOff, Phase: PhaseDraining, Instance: s.Old.Instance},
			{Op: OpDisassociateAddress, Phase: PhaseRerouting, Address: s.ElasticIP, Interface: s.Old.Uplink},
			{Op: OpAssociateAddress, Phase: PhaseRerouting, Address: s.ElasticIP, Interface: s.New.Uplink},
			{Op: OpAttachInterface, Phase: PhaseActivating, Interface: s.AccessInterface, Instance: s.New.Instance},
			{Op: OpPowerOn, Phase: PhaseActivating, Instance: s.New.Instance},
		},
	}
}

// ProvisionPlan reroutes the address to a free uplink, launches the standby
// on it from the image, then retires the old instance.
func ProvisionPlan(s Settings) *Plan {
	s.Scenario = ScenarioProvision
	if s.Retire == "" {
		s.Retire = RetireStop
	}

	retire := Step{Op: OpPowerOff, Phase: PhaseRetiring, Instance: s.Old.Instance}
	if s.Retire == RetireTerminate {
		retire.Op = OpTerminateInstance
	}

	return &Plan{
		Name:     planName(s),
		Settings: s,
		Steps: []Step{
			{Op: OpDetachInterface, Phase: PhaseDetaching, Interface: s.AccessInterface, Instance: s.Old.Instance},
			{Op: OpDisassociateAddress, Phase: PhaseRerouting, Address: s.ElasticIP, Interface: s.Old.Uplink},
			{Op: OpAssociateAddress, Phase: PhaseRerouting, Address: s.ElasticIP, Interface: s.New.Uplink},
			{Op: OpProvisionInstance, Phase: PhaseProvisioning, Instance: s.New.Instance, Interface: s.New.Uplink},
			retire,
		},
	}
}

func planName(s Settings) string {
	return fmt.Sprintf("%s:%s->%s", s.Scenario, s.Old.Instance, s.New.Instance)
}
