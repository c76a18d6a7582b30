package providers

import "context"

// InstanceState is the coarse lifecycle state a provider reports for an instance.
type InstanceState string

const (
	StatePending InstanceState = "pending"
	StateRunning InstanceState = "running"
	StateOther   InstanceState = "other"
)

// Instance is the provider-side handle of a compute resource.
type Instance struct {
	ID             string
	Name           string
	State          InstanceState
	PrivateAddress string
	PublicAddress  string
}

// InstanceRequest describes the compute resource a node asks for.
type InstanceRequest struct {
	Name           string
	Image          string
	MachineClass   string
	Segment        string
	SecurityGroups []string
	PlacementGroup string
	KeyPair        string
	PublicAddress  bool
	UserData       string
	// EphemeralDevices maps device names (/dev/sdb, ...) to ephemeral slot names.
	EphemeralDevices map[string]string
}

// VolumeRequest describes a block volume to create next to an instance.
type VolumeRequest struct {
	Name       string
	InstanceID string
	SizeGB     int
	Class      string
	IOPS       int
	Snapshot   string
}

// Provider is the compute API a fleet is provisioned against.
type Provider interface {
	Name() string
	CreateInstance(ctx context.Context, req InstanceRequest) (*Instance, error)
	DescribeInstance(ctx context.Context, id string) (*Instance, error)
	TagInstance(ctx context.Context, id string, tags map[string]string) error
	CreateVolume(ctx context.Context, req VolumeRequest) (string, error)
	VolumeReady(ctx context.Context, id string) (bool, error)
	TagVolume(ctx context.Context, id string, tags map[string]string) error
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	// EphemeralDevices reports how many instance-store devices a machine class
	// comes with; attached volumes are lettered after them.
	EphemeralDevices(machineClass string) int
}
