package core

import (
	"fmt"
)

// StorageClass selects the volume performance tier.
type StorageClass string

const (
	ClassBaseline        StorageClass = "standard"
	ClassProvisionedIOPS StorageClass = "io1"

	DefaultIOPS = 100
)

// Block device letters, ephemeral devices first then volumes.
const deviceLetters = "efghijklmnopqrstuvwxyz"

// VolumeSpec is one storage request attached to a node.
type VolumeSpec struct {
	SizeGB   int
	Class    StorageClass
	IOPS     int
	Snapshot string
}

// NewVolumeSpec validates and normalises a volume request. IOPS only apply to
// provisioned-IOPS volumes and default to DefaultIOPS there.
func NewVolumeSpec(sizeGB int, class StorageClass, iops int, snapshot string) (VolumeSpec, error) {
	if sizeGB <= 0 {
		return VolumeSpec{}, fmt.Errorf("volume size must be positive, got %d", sizeGB)
	}
	switch class {
	case "", ClassBaseline:
		class, iops = ClassBaseline, 0
	case ClassProvisionedIOPS:
		if iops <= 0 {
			iops = DefaultIOPS
		}
	default:
		return VolumeSpec{}, fmt.Errorf("unknown storage class %q", class)
	}
	return VolumeSpec{SizeGB: sizeGB, Class: class, IOPS: iops, Snapshot: snapshot}, nil
}

// DeviceName returns the block device for slot i, counting ephemeral devices
// and volumes together.
func DeviceName(slot int) (string, error) {
	if slot < 0 || slot >= len(deviceLetters) {
		return "", fmt.Errorf("no device letter left for slot %d", slot)
	}
	return "/dev/sd" + string(deviceLetters[slot]), nil
}
