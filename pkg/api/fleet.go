package api

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// LoadFleet reads and validates a fleet definition file.
func LoadFleet(path string) (*FleetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet: %w", err)
	}
	return ParseFleet(data)
}

func ParseFleet(data []byte) (*FleetSpec, error) {
	var f FleetSpec
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the structure of the definition. Local files are checked
// later, when the fleet is defined.
func (f *FleetSpec) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("fleet name is required"))
	}
	if len(f.Pools) == 0 && len(f.Nodes) == 0 {
		errs = append(errs, errors.New("fleet has no pools or nodes"))
	}
	for i, p := range f.Pools {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("pools[%d]: name is required", i))
		}
	}
	for i, n := range f.Nodes {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: name is required", i))
		}
	}
	hostnames := map[string]string{}
	for _, n := range f.Nodes {
		h := f.Resolve(n).Hostname
		if h == "" {
			continue
		}
		if other, dup := hostnames[h]; dup {
			errs = append(errs, fmt.Errorf("%s: hostname %q already used by %s", n.Name, h, other))
			continue
		}
		hostnames[h] = n.Name
	}
	for _, spec := range f.resolvedSpecs() {
		if spec.KeyFile == "" {
			errs = append(errs, fmt.Errorf("%s: key_file is required", spec.Name))
		}
		for j, v := range spec.Volumes {
			if v.SizeGB <= 0 {
				errs = append(errs, fmt.Errorf("%s: volumes[%d]: size_gb must be positive", spec.Name, j))
			}
		}
		for j, s := range spec.Steps {
			if s.Archive == "" {
				errs = append(errs, fmt.Errorf("%s: steps[%d]: archive is required", spec.Name, j))
			}
		}
	}
	return errors.Join(errs...)
}

func (f *FleetSpec) resolvedSpecs() []NodeSpec {
	var out []NodeSpec
	for _, p := range f.Pools {
		s := f.Resolve(p.NodeSpec)
		s.Name = p.Name
		out = append(out, s)
	}
	for _, n := range f.Nodes {
		out = append(out, f.Resolve(n))
	}
	return out
}

// Resolve fills every unset field of n from the fleet defaults.
func (f *FleetSpec) Resolve(n NodeSpec) NodeSpec {
	d := f.Defaults
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	n.Owner = pick(n.Owner, d.Owner)
	n.User = pick(n.User, d.User)
	n.Hostname = pick(n.Hostname, d.Hostname)
	n.Segment = pick(n.Segment, d.Segment)
	n.PlacementGroup = pick(n.PlacementGroup, d.PlacementGroup)
	n.MachineClass = pick(n.MachineClass, d.MachineClass)
	n.Image = pick(n.Image, d.Image)
	n.KeyPair = pick(n.KeyPair, d.KeyPair)
	n.KeyFile = pick(n.KeyFile, d.KeyFile)
	n.PublicAddress = n.PublicAddress || d.PublicAddress
	if n.SecurityGroups == nil {
		n.SecurityGroups = slices.Clone(d.SecurityGroups)
	}
	if n.Volumes == nil {
		n.Volumes = slices.Clone(d.Volumes)
	}
	if n.Steps == nil {
		n.Steps = slices.Clone(d.Steps)
	}
	return n
}
