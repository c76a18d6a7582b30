package localssh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	var cfg providers.Config
	require.NoError(t, yaml.Unmarshal([]byte(`
providers:
  localssh:
    hosts:
      - name: web0
        ip: 203.0.113.10
        private_ip: 10.0.0.10
`), &cfg))
	return New(cfg)
}

func TestCreateReturnsConfiguredHost(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	inst, err := p.CreateInstance(ctx, providers.InstanceRequest{Name: "web0"})
	require.NoError(t, err)
	assert.Equal(t, providers.StateRunning, inst.State)
	assert.Equal(t, "10.0.0.10", inst.PrivateAddress)
	assert.Equal(t, "203.0.113.10", inst.PublicAddress)

	again, err := p.DescribeInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst, again)

	_, err = p.CreateInstance(ctx, providers.InstanceRequest{Name: "web1"})
	assert.Error(t, err)
	_, err = p.DescribeInstance(ctx, "local-web1")
	assert.Error(t, err)
}

func TestVolumesUnsupported(t *testing.T) {
	p := newProvider(t)
	_, err := p.CreateVolume(context.Background(), providers.VolumeRequest{Name: "web0-vol0", SizeGB: 10})
	assert.ErrorIs(t, err, ErrVolumesUnsupported)
	assert.NoError(t, p.TagInstance(context.Background(), "local-web0", map[string]string{"Name": "web0"}))
	assert.Zero(t, p.EphemeralDevices("any"))
}
