package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/fleetstrap/internal/core"
	"github.com/3cpo-dev/fleetstrap/pkg/api"
)

// defineFleet adds every pool and node of f to o. Relative archive and key
// paths are taken relative to baseDir, the directory of the fleet file.
func defineFleet(o *core.Orchestrator, f *api.FleetSpec, baseDir string, marker core.MarkerPolicy) error {
	for _, p := range f.Pools {
		spec, err := nodeSpec(f.Resolve(p.NodeSpec), baseDir, marker)
		if err != nil {
			return fmt.Errorf("pool %s: %w", p.Name, err)
		}
		if _, err := o.AddPool(p.Name, p.Size, spec); err != nil {
			return err
		}
	}
	for _, n := range f.Nodes {
		spec, err := nodeSpec(f.Resolve(n), baseDir, marker)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		if _, err := o.AddNode(n.Name, spec); err != nil {
			return err
		}
	}
	return nil
}

func nodeSpec(n api.NodeSpec, baseDir string, marker core.MarkerPolicy) (core.NodeSpec, error) {
	spec := core.NodeSpec{
		Owner:          n.Owner,
		User:           n.User,
		Hostname:       n.Hostname,
		Segment:        n.Segment,
		SecurityGroups: n.SecurityGroups,
		PlacementGroup: n.PlacementGroup,
		PublicAddress:  n.PublicAddress,
		MachineClass:   n.MachineClass,
		Image:          n.Image,
		KeyPair:        n.KeyPair,
		KeyFile:        localPath(baseDir, n.KeyFile),
	}
	for i, v := range n.Volumes {
		vol, err := core.NewVolumeSpec(v.SizeGB, core.StorageClass(v.Class), v.IOPS, v.Snapshot)
		if err != nil {
			return spec, fmt.Errorf("volumes[%d]: %w", i, err)
		}
		spec.Volumes = append(spec.Volumes, vol)
	}
	for _, s := range n.Steps {
		step, err := core.NewBootstrapStepWithPolicy(marker, localPath(baseDir, s.Archive), s.Args...)
		if err != nil {
			return spec, err
		}
		spec.Steps = append(spec.Steps, step)
	}
	return spec, nil
}

func localPath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(baseDir, p)
}
