package api

// Fleet definition file schema, as read by `fleetstrap run -f`.

type StepSpec struct {
	Archive string   `json:"archive" yaml:"archive"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

type VolumeSpec struct {
	SizeGB   int    `json:"size_gb" yaml:"size_gb"`
	Class    string `json:"class,omitempty" yaml:"class,omitempty"`
	IOPS     int    `json:"iops,omitempty" yaml:"iops,omitempty"`
	Snapshot string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// NodeSpec describes a standalone node. In a pool or in fleet defaults the
// name is ignored.
type NodeSpec struct {
	Name           string       `json:"name,omitempty" yaml:"name,omitempty"`
	Owner          string       `json:"owner,omitempty" yaml:"owner,omitempty"`
	User           string       `json:"user,omitempty" yaml:"user,omitempty"`
	Hostname       string       `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Segment        string       `json:"segment,omitempty" yaml:"segment,omitempty"`
	SecurityGroups []string     `json:"security_groups,omitempty" yaml:"security_groups,omitempty"`
	PlacementGroup string       `json:"placement_group,omitempty" yaml:"placement_group,omitempty"`
	PublicAddress  bool         `json:"public_address,omitempty" yaml:"public_address,omitempty"`
	MachineClass   string       `json:"machine_class,omitempty" yaml:"machine_class,omitempty"`
	Image          string       `json:"image,omitempty" yaml:"image,omitempty"`
	KeyPair        string       `json:"key_pair,omitempty" yaml:"key_pair,omitempty"`
	KeyFile        string       `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	Volumes        []VolumeSpec `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Steps          []StepSpec   `json:"steps,omitempty" yaml:"steps,omitempty"`
}

type PoolSpec struct {
	Name     string `json:"name" yaml:"name"`
	Size     int    `json:"size" yaml:"size"`
	NodeSpec `yaml:",inline"`
}

type FleetSpec struct {
	Name     string     `json:"name" yaml:"name"`
	Provider string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	Defaults NodeSpec   `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Pools    []PoolSpec `json:"pools,omitempty" yaml:"pools,omitempty"`
	Nodes    []NodeSpec `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	// Phases restricts runs of this fleet to the named phases.
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// StatusOf classifies a run by how many of its nodes failed.
func StatusOf(nodes, failed int) RunStatus {
	switch {
	case failed == 0:
		return RunSucceeded
	case failed < nodes:
		return RunPartial
	default:
		return RunFailed
	}
}
