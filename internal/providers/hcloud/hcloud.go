// Package hcloud provisions fleet nodes on Hetzner Cloud.
//
// Node concepts map onto the API as follows: machine class is the server
// type, network segment is a private network, security groups are firewalls,
// tags are labels. Volumes have a single storage class on Hetzner Cloud, so
// the requested class is recorded as a label and IOPS are not applied.
package hcloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

// ErrTokenMissing is returned by New when no API token is configured.
var ErrTokenMissing = errors.New("hcloud token missing; set providers.hcloud.token or HCLOUD_TOKEN")

const managedByLabel = "managed-by"

type Provider struct {
	client   *hcloud.Client
	location string
	limiter  *providers.RateLimiter
}

// Option configures a Provider.
type Option func(*Provider)

// WithClient sets a custom hcloud client (useful for testing).
func WithClient(c *hcloud.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// New builds a provider from config. The token is only required when no
// client is injected.
func New(cfg providers.Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		location: cfg.Providers.HCloud.Location,
		limiter:  providers.NewRateLimiter(cfg.Providers.HCloud.Rate),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		token := cfg.Providers.HCloud.Token
		if token == "" {
			return nil, ErrTokenMissing
		}
		clientOpts := []hcloud.ClientOption{
			hcloud.WithToken(token),
			hcloud.WithApplication("fleetstrap", ""),
		}
		if ep := cfg.Providers.HCloud.Endpoint; ep != "" {
			clientOpts = append(clientOpts, hcloud.WithEndpoint(ep))
		}
		p.client = hcloud.NewClient(clientOpts...)
	}
	return p, nil
}

func (p *Provider) Name() string { return "hcloud" }

func (p *Provider) CreateInstance(ctx context.Context, req providers.InstanceRequest) (*providers.Instance, error) {
	opts, err := p.buildServerCreateOpts(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(req.EphemeralDevices) > 0 {
		log.Debug().Str("instance", req.Name).Msg("hcloud servers have no ephemeral device mapping; ignoring")
	}

	p.limiter.Wait()
	result, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create server %s: %w", req.Name, err)
	}
	return toInstance(result.Server), nil
}

// buildServerCreateOpts resolves names from the request into API objects.
func (p *Provider) buildServerCreateOpts(ctx context.Context, req providers.InstanceRequest) (hcloud.ServerCreateOpts, error) {
	p.limiter.Wait()
	serverType, _, err := p.client.ServerType.Get(ctx, req.MachineClass)
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("get server type: %w", err)
	}
	if serverType == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("server type not found: %s", req.MachineClass)
	}

	p.limiter.Wait()
	image, _, err := p.client.Image.Get(ctx, req.Image) //nolint:staticcheck
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("get image: %w", err)
	}
	if image == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("image not found: %s", req.Image)
	}

	p.limiter.Wait()
	key, _, err := p.client.SSHKey.Get(ctx, req.KeyPair)
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("get ssh key %s: %w", req.KeyPair, err)
	}
	if key == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("ssh key not found: %s", req.KeyPair)
	}

	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: serverType,
		Image:      image,
		SSHKeys:    []*hcloud.SSHKey{key},
		UserData:   req.UserData,
		Labels:     map[string]string{managedByLabel: "fleetstrap"},
		PublicNet: &hcloud.ServerCreatePublicNet{
			// A server needs either a network or a public address to be reachable.
			EnableIPv4: req.PublicAddress || req.Segment == "",
			EnableIPv6: false,
		},
	}

	if p.location != "" {
		p.limiter.Wait()
		loc, _, err := p.client.Location.Get(ctx, p.location)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("get location %s: %w", p.location, err)
		}
		if loc == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("location not found: %s", p.location)
		}
		opts.Location = loc
	}

	if req.Segment != "" {
		p.limiter.Wait()
		network, _, err := p.client.Network.Get(ctx, req.Segment)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("get network %s: %w", req.Segment, err)
		}
		if network == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("network not found: %s", req.Segment)
		}
		opts.Networks = []*hcloud.Network{network}
	}

	for _, group := range req.SecurityGroups {
		p.limiter.Wait()
		fw, _, err := p.client.Firewall.Get(ctx, group)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("get firewall %s: %w", group, err)
		}
		if fw == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("firewall not found: %s", group)
		}
		opts.Firewalls = append(opts.Firewalls, &hcloud.ServerCreateFirewall{Firewall: *fw})
	}

	if req.PlacementGroup != "" {
		p.limiter.Wait()
		pg, _, err := p.client.PlacementGroup.Get(ctx, req.PlacementGroup)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("get placement group %s: %w", req.PlacementGroup, err)
		}
		if pg == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("placement group not found: %s", req.PlacementGroup)
		}
		opts.PlacementGroup = pg
	}

	return opts, nil
}

func (p *Provider) DescribeInstance(ctx context.Context, id string) (*providers.Instance, error) {
	server, err := p.server(ctx, id)
	if err != nil {
		return nil, err
	}
	return toInstance(server), nil
}

func (p *Provider) TagInstance(ctx context.Context, id string, tags map[string]string) error {
	server, err := p.server(ctx, id)
	if err != nil {
		return err
	}
	p.limiter.Wait()
	_, _, err = p.client.Server.Update(ctx, server, hcloud.ServerUpdateOpts{
		Labels: mergeLabels(server.Labels, tags),
	})
	if err != nil {
		return fmt.Errorf("label server %s: %w", id, err)
	}
	return nil
}

func (p *Provider) CreateVolume(ctx context.Context, req providers.VolumeRequest) (string, error) {
	server, err := p.server(ctx, req.InstanceID)
	if err != nil {
		return "", err
	}
	if req.Snapshot != "" {
		log.Warn().Str("volume", req.Name).Str("snapshot", req.Snapshot).
			Msg("hcloud volumes cannot be created from snapshots; creating an empty volume")
	}
	if req.IOPS > 0 {
		log.Debug().Str("volume", req.Name).Int("iops", req.IOPS).Msg("hcloud volumes have fixed performance; iops not applied")
	}

	opts := hcloud.VolumeCreateOpts{
		Name:      req.Name,
		Size:      req.SizeGB,
		Automount: hcloud.Ptr(false),
		Labels: map[string]string{
			managedByLabel:  "fleetstrap",
			"storage-class": labelValue(req.Class),
		},
	}
	if server.Datacenter != nil {
		opts.Location = server.Datacenter.Location
	}

	p.limiter.Wait()
	result, _, err := p.client.Volume.Create(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("create volume %s: %w", req.Name, err)
	}
	return strconv.FormatInt(result.Volume.ID, 10), nil
}

func (p *Provider) VolumeReady(ctx context.Context, id string) (bool, error) {
	volume, err := p.volume(ctx, id)
	if err != nil {
		return false, err
	}
	return volume.Status == hcloud.VolumeStatusAvailable, nil
}

func (p *Provider) TagVolume(ctx context.Context, id string, tags map[string]string) error {
	volume, err := p.volume(ctx, id)
	if err != nil {
		return err
	}
	p.limiter.Wait()
	_, _, err = p.client.Volume.Update(ctx, volume, hcloud.VolumeUpdateOpts{
		Labels: mergeLabels(volume.Labels, tags),
	})
	if err != nil {
		return fmt.Errorf("label volume %s: %w", id, err)
	}
	return nil
}

// AttachVolume attaches and waits for the action. Hetzner Cloud picks the
// device itself, so the requested device name is only logged.
func (p *Provider) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	vid, err := parseID(volumeID)
	if err != nil {
		return err
	}
	sid, err := parseID(instanceID)
	if err != nil {
		return err
	}
	p.limiter.Wait()
	action, _, err := p.client.Volume.Attach(ctx, &hcloud.Volume{ID: vid}, &hcloud.Server{ID: sid})
	if err != nil {
		return fmt.Errorf("attach volume %s: %w", volumeID, err)
	}
	if err := p.client.Action.WaitFor(ctx, action); err != nil {
		return fmt.Errorf("wait for volume attach %s: %w", volumeID, err)
	}
	log.Debug().Str("volume", volumeID).Str("server", instanceID).Str("requested_device", device).Msg("volume attached")
	return nil
}

func (p *Provider) EphemeralDevices(machineClass string) int { return 0 }

func (p *Provider) server(ctx context.Context, id string) (*hcloud.Server, error) {
	sid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	p.limiter.Wait()
	server, _, err := p.client.Server.GetByID(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}
	if server == nil {
		return nil, fmt.Errorf("server not found: %s", id)
	}
	return server, nil
}

func (p *Provider) volume(ctx context.Context, id string) (*hcloud.Volume, error) {
	vid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	p.limiter.Wait()
	volume, _, err := p.client.Volume.GetByID(ctx, vid)
	if err != nil {
		return nil, fmt.Errorf("get volume %s: %w", id, err)
	}
	if volume == nil {
		return nil, fmt.Errorf("volume not found: %s", id)
	}
	return volume, nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hcloud id: %s", id)
	}
	return n, nil
}

// toInstance converts a server into the provider-neutral handle.
func toInstance(s *hcloud.Server) *providers.Instance {
	inst := &providers.Instance{
		ID:   strconv.FormatInt(s.ID, 10),
		Name: s.Name,
	}
	switch s.Status {
	case hcloud.ServerStatusRunning:
		inst.State = providers.StateRunning
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		inst.State = providers.StatePending
	default:
		inst.State = providers.StateOther
	}
	if len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil {
		inst.PrivateAddress = s.PrivateNet[0].IP.String()
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		inst.PublicAddress = ip.String()
	}
	return inst
}

func mergeLabels(current, tags map[string]string) map[string]string {
	out := make(map[string]string, len(current)+len(tags))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range tags {
		out[strings.ToLower(k)] = labelValue(v)
	}
	return out
}

// labelValue maps arbitrary text onto the label value alphabet
// (alphanumerics, '-', '_', '.', at most 63 characters, alphanumeric ends).
func labelValue(v string) string {
	b := []byte(v)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '-'
		}
	}
	if len(b) > 63 {
		b = b[:63]
	}
	return strings.Trim(string(b), "-_.")
}
