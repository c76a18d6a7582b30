package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

func TestNewNode_MissingKeyFile(t *testing.T) {
	spec := testSpec(t)
	spec.KeyFile = filepath.Join(t.TempDir(), "missing")
	_, err := NewNode("web0", spec)
	assert.ErrorIs(t, err, ErrMissingFile)

	spec.KeyFile = ""
	_, err = NewNode("web0", spec)
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestNewNode_Defaults(t *testing.T) {
	spec := testSpec(t)
	spec.User = ""
	n := testNode(t, "web0", spec)
	assert.Equal(t, DefaultUser, n.Spec().User)
	assert.Equal(t, StatusDefined, n.Status())
	assert.Nil(t, n.Instance())
}

func TestNode_StartTwiceFails(t *testing.T) {
	p := newFakeProvider()
	n := testNode(t, "web0", testSpec(t))
	ctx := context.Background()

	require.NoError(t, n.Start(ctx, p))
	assert.Equal(t, StatusStarted, n.Status())
	assert.Equal(t, map[string]string{"Name": "web0", "Owner": "ops"}, p.instanceTags["i-1"])

	err := n.Start(ctx, p)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, 1, p.createdCount())
}

// gatedProvider holds CreateInstance until release is closed.
type gatedProvider struct {
	*fakeProvider
	entered chan struct{}
	release chan struct{}
}

func (g *gatedProvider) CreateInstance(ctx context.Context, req providers.InstanceRequest) (*providers.Instance, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeProvider.CreateInstance(ctx, req)
}

func TestNode_ConcurrentStartCreatesOnce(t *testing.T) {
	g := &gatedProvider{fakeProvider: newFakeProvider(), entered: make(chan struct{}, 2), release: make(chan struct{})}
	n := testNode(t, "web0", testSpec(t))

	first := make(chan error, 1)
	go func() { first <- n.Start(context.Background(), g) }()
	<-g.entered

	assert.ErrorIs(t, n.Start(context.Background(), g), ErrAlreadyStarted)
	close(g.release)
	require.NoError(t, <-first)
	assert.Equal(t, 1, g.createdCount())
	assert.ErrorIs(t, n.Start(context.Background(), g), ErrAlreadyStarted)
}

func TestNode_StartRequest(t *testing.T) {
	p := newFakeProvider()
	p.ephemeral = 2
	spec := testSpec(t)
	spec.Hostname = "web-primary"
	spec.SecurityGroups = []string{"ssh", "web"}
	n := testNode(t, "web0", spec).WithPublicAddress()

	require.NoError(t, n.Start(context.Background(), p))
	req := p.created[0]
	assert.Equal(t, "web0", req.Name)
	assert.True(t, req.PublicAddress)
	assert.Equal(t, []string{"ssh", "web"}, req.SecurityGroups)
	assert.Equal(t, map[string]string{"/dev/sde": "ephemeral0", "/dev/sdf": "ephemeral1"}, req.EphemeralDevices)
	assert.Contains(t, req.UserData, "hostname: web-primary")
}

func TestNode_StartSurvivesTagFailures(t *testing.T) {
	p := newFakeProvider()
	p.tagFailures = 10
	n := testNode(t, "web0", testSpec(t))

	require.NoError(t, n.Start(context.Background(), p))
	assert.NotNil(t, n.Instance())
	assert.Empty(t, p.instanceTags)
}

func TestNode_AttachVolumesRequiresRunning(t *testing.T) {
	p := newFakeProvider()
	p.neverRunning["web0"] = true
	spec := testSpec(t)
	spec.Volumes = []VolumeSpec{{SizeGB: 10, Class: ClassBaseline}}
	n := testNode(t, "web0", spec)
	ctx := context.Background()

	assert.ErrorIs(t, n.AttachVolumes(ctx), ErrNotRunning, "before start")

	require.NoError(t, n.Start(ctx, p))
	assert.ErrorIs(t, n.AttachVolumes(ctx), ErrNotRunning)
	assert.Empty(t, p.volumes)
}

func TestNode_AttachVolumesAfterEphemeralDevices(t *testing.T) {
	p := newFakeProvider()
	p.ephemeral = 2
	spec := testSpec(t)
	spec.Volumes = []VolumeSpec{
		{SizeGB: 10, Class: ClassBaseline},
		{SizeGB: 50, Class: ClassProvisionedIOPS, IOPS: 100},
	}
	n := testNode(t, "db0", spec)
	ctx := context.Background()

	require.NoError(t, n.Start(ctx, p))
	require.NoError(t, n.AttachVolumes(ctx))
	assert.Equal(t, []string{"/dev/sdg", "/dev/sdh"}, p.attachments)
	assert.Equal(t, "db0-vol1", p.volumes[1].Name)
	assert.Equal(t, "io1", p.volumes[1].Class)
	assert.Equal(t, StatusVolumesAttached, n.Status())
}

func TestNode_AttachVolumesNeverReady(t *testing.T) {
	p := newFakeProvider()
	p.volumeReady = false
	spec := testSpec(t)
	spec.Volumes = []VolumeSpec{{SizeGB: 10, Class: ClassBaseline}}
	n := testNode(t, "db0", spec)
	ctx := context.Background()

	require.NoError(t, n.Start(ctx, p))
	err := n.AttachVolumes(ctx)
	assert.ErrorIs(t, err, ErrVolumeNotReady)
	assert.Empty(t, p.attachments)
	assert.Equal(t, StatusRunning, n.Status())
}

func TestNode_EstablishSessionWithoutInstance(t *testing.T) {
	d := newFakeDialer()
	n := testNode(t, "web0", testSpec(t))

	err := n.EstablishSession(context.Background(), d)
	assert.ErrorIs(t, err, ErrSessionError)
	assert.Zero(t, d.connects)
}

func TestNode_EstablishSessionRetriesThenFails(t *testing.T) {
	p := newFakeProvider()
	d := newFakeDialer()
	d.unreachable["10.0.0.1"] = true
	n := testNode(t, "web0", testSpec(t))
	ctx := context.Background()

	require.NoError(t, n.Start(ctx, p))
	_, err := n.Refresh(ctx)
	require.NoError(t, err)

	err = n.EstablishSession(ctx, d)
	assert.ErrorIs(t, err, ErrSessionError)
	assert.Equal(t, fastRetry.MaxRetries+1, d.connects)
}

// startedNode returns a node with an established session on a fake fleet.
func startedNode(t *testing.T, name string) (*Node, *fakeSession) {
	t.Helper()
	p := newFakeProvider()
	d := newFakeDialer()
	n := testNode(t, name, testSpec(t))
	ctx := context.Background()
	require.NoError(t, n.Start(ctx, p))
	require.NoError(t, n.EstablishSession(ctx, d))
	return n, d.session(n.Address())
}

func TestNode_GenerateKeys(t *testing.T) {
	n, s := startedNode(t, "web0")
	require.NoError(t, n.GenerateKeys(context.Background()))

	cmds := s.commandsMatching("ssh-keygen")
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "sudo -u 'root'")
	assert.Contains(t, cmds[1], "sudo -u 'ubuntu'")
	assert.Contains(t, cmds[0], "if [ ! -f ~/.ssh/id_ed25519.pub ]")
	assert.Equal(t, StatusKeysGenerated, n.Status())
}

func TestNode_FetchPublicKey(t *testing.T) {
	n, _ := startedNode(t, "web0")
	key := n.FetchPublicKey(context.Background(), "root")
	assert.Equal(t, "ssh-ed25519 KEY-10.0.0.1-root root@10.0.0.1", key)
}

func TestNode_FetchPublicKeyUnreachable(t *testing.T) {
	n := testNode(t, "web0", testSpec(t))
	key := n.FetchPublicKey(context.Background(), "root")
	assert.True(t, strings.HasPrefix(key, "ssh-ed25519 "))
	assert.True(t, IsPlaceholderKey(key))

	n2, s := startedNode(t, "web1")
	s.keyMissing = true
	assert.True(t, IsPlaceholderKey(n2.FetchPublicKey(context.Background(), "ubuntu")))
}

func TestNode_DistributeKeysAppends(t *testing.T) {
	n, s := startedNode(t, "web0")
	keys := []string{"ssh-ed25519 AAA a@x", "ssh-ed25519 BBB b@y"}
	require.NoError(t, n.DistributeKeys(context.Background(), keys))

	cmds := s.commandsMatching("authorized_keys")
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "'ssh-ed25519 AAA a@x' 'ssh-ed25519 BBB b@y'")
	assert.Contains(t, cmds[0], "cat >> ~/.ssh/authorized_keys")
	assert.Equal(t, StatusKeysDistributed, n.Status())
}

func TestNode_GatherFacts(t *testing.T) {
	n, _ := startedNode(t, "web0")
	fact := n.GatherFacts(context.Background())
	assert.Equal(t, Fact{
		Name: "web0", Subnet: "subnet-a", MainUser: "ubuntu", Owner: "ops",
		IPAddress: "10.0.0.1", Hostname: "host-10.0.0.1",
	}, fact)

	offline := testNode(t, "web1", testSpec(t))
	assert.Equal(t, Fact{Name: "web1", Subnet: "subnet-a", MainUser: "ubuntu", Owner: "ops"},
		offline.GatherFacts(context.Background()))
}

func TestNode_UploadFacts(t *testing.T) {
	n, s := startedNode(t, "web0")
	facts := FleetFacts{"web0": {Name: "web0", Owner: "ops"}}
	require.NoError(t, n.UploadFacts(context.Background(), facts))

	cmds := s.commandsMatching("sudo tee")
	require.Len(t, cmds, 1)
	assert.True(t, strings.HasSuffix(cmds[0], "| sudo tee '/etc/cluster_facts.json' > /dev/null"))

	data, err := json.Marshal(facts)
	require.NoError(t, err)
	assert.Contains(t, cmds[0], string(data))
}

func TestNode_RunBootstrapSequence(t *testing.T) {
	spec := testSpec(t)
	archive := writeFile(t, "stage.tar", "x")
	first, err := NewBootstrapStep(archive, "one")
	require.NoError(t, err)
	second, err := NewBootstrapStep(archive, "two")
	require.NoError(t, err)
	spec.Steps = []*BootstrapStep{first, second}

	p := newFakeProvider()
	d := newFakeDialer()
	n := testNode(t, "web0", spec)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx, p))
	require.NoError(t, n.EstablishSession(ctx, d))

	require.NoError(t, n.RunBootstrapSequence(ctx))
	s := d.session(n.Address())
	assert.Equal(t, []string{"stage-0/stage-0.tar", "stage-1/stage-1.tar"}, s.puts)
	assert.Equal(t, StatusBootstrapped, n.Status())
	assert.Equal(t, providers.StateRunning, n.Instance().State)
}

func TestNode_OperationsNeedSession(t *testing.T) {
	n := testNode(t, "web0", testSpec(t))
	ctx := context.Background()
	assert.ErrorIs(t, n.GenerateKeys(ctx), ErrSessionError)
	assert.ErrorIs(t, n.DistributeKeys(ctx, nil), ErrSessionError)
	assert.ErrorIs(t, n.UploadFacts(ctx, FleetFacts{}), ErrSessionError)
	assert.ErrorIs(t, n.RunBootstrapSequence(ctx), ErrSessionError)
}
