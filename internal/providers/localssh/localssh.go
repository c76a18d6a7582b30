package localssh

import (
	"context"
	"errors"
	"fmt"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

// ErrVolumesUnsupported is returned for every volume call; existing hosts
// bring their own disks.
var ErrVolumesUnsupported = errors.New("localssh: volumes are not supported")

// Provider attaches to hosts that already exist and are listed in config.
type Provider struct {
	cfg providers.Config
}

func New(cfg providers.Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) Name() string { return "localssh" }

func (p *Provider) lookup(name string) (*providers.Instance, error) {
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		if h.Name == name {
			return &providers.Instance{
				ID:             fmt.Sprintf("local-%s", h.Name),
				Name:           h.Name,
				State:          providers.StateRunning,
				PrivateAddress: h.PrivateIP,
				PublicAddress:  h.IP,
			}, nil
		}
	}
	return nil, fmt.Errorf("localssh: no host configured for %s", name)
}

// CreateInstance is a no-op: the configured host with the same name is returned.
func (p *Provider) CreateInstance(ctx context.Context, req providers.InstanceRequest) (*providers.Instance, error) {
	_ = ctx
	return p.lookup(req.Name)
}

func (p *Provider) DescribeInstance(ctx context.Context, id string) (*providers.Instance, error) {
	_ = ctx
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		if fmt.Sprintf("local-%s", h.Name) == id {
			return p.lookup(h.Name)
		}
	}
	return nil, fmt.Errorf("localssh: unknown instance %s", id)
}

func (p *Provider) TagInstance(ctx context.Context, id string, tags map[string]string) error {
	_, _, _ = ctx, id, tags
	return nil
}

func (p *Provider) CreateVolume(ctx context.Context, req providers.VolumeRequest) (string, error) {
	_, _ = ctx, req
	return "", ErrVolumesUnsupported
}

func (p *Provider) VolumeReady(ctx context.Context, id string) (bool, error) {
	_, _ = ctx, id
	return false, ErrVolumesUnsupported
}

func (p *Provider) TagVolume(ctx context.Context, id string, tags map[string]string) error {
	_, _, _ = ctx, id, tags
	return ErrVolumesUnsupported
}

func (p *Provider) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, _, _, _ = ctx, volumeID, instanceID, device
	return ErrVolumesUnsupported
}

func (p *Provider) EphemeralDevices(machineClass string) int { return 0 }
