package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

var fastRetry = RetryPolicy{MaxRetries: 2, Interval: time.Millisecond}

// fakeProvider is an in-memory compute provider. Instances are running after
// pendingPolls describe calls unless listed in neverRunning.
type fakeProvider struct {
	mu sync.Mutex

	ephemeral    int
	pendingPolls int
	neverRunning map[string]bool
	panicOn      map[string]bool
	volumeReady  bool
	tagFailures  int

	created      []providers.InstanceRequest
	instances    map[string]*providers.Instance
	polls        map[string]int
	volumes      []providers.VolumeRequest
	attachments  []string
	instanceTags map[string]map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		volumeReady:  true,
		neverRunning: map[string]bool{},
		panicOn:      map[string]bool{},
		instances:    map[string]*providers.Instance{},
		polls:        map[string]int{},
		instanceTags: map[string]map[string]string{},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateInstance(_ context.Context, req providers.InstanceRequest) (*providers.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn[req.Name] {
		panic("provider exploded for " + req.Name)
	}
	p.created = append(p.created, req)
	id := fmt.Sprintf("i-%d", len(p.created))
	inst := &providers.Instance{ID: id, Name: req.Name, State: providers.StatePending}
	p.instances[id] = inst
	cp := *inst
	return &cp, nil
}

func (p *fakeProvider) DescribeInstance(_ context.Context, id string) (*providers.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, fmt.Errorf("no instance %s", id)
	}
	p.polls[id]++
	if !p.neverRunning[inst.Name] && p.polls[id] > p.pendingPolls {
		inst.State = providers.StateRunning
		inst.PrivateAddress = "10.0.0." + strings.TrimPrefix(id, "i-")
	}
	cp := *inst
	return &cp, nil
}

func (p *fakeProvider) TagInstance(_ context.Context, id string, tags map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tagFailures > 0 {
		p.tagFailures--
		return errors.New("tagging throttled")
	}
	p.instanceTags[id] = tags
	return nil
}

func (p *fakeProvider) CreateVolume(_ context.Context, req providers.VolumeRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes = append(p.volumes, req)
	return fmt.Sprintf("vol-%d", len(p.volumes)), nil
}

func (p *fakeProvider) VolumeReady(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumeReady, nil
}

func (p *fakeProvider) TagVolume(context.Context, string, map[string]string) error { return nil }

func (p *fakeProvider) AttachVolume(_ context.Context, volumeID, instanceID, device string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachments = append(p.attachments, device)
	return nil
}

func (p *fakeProvider) EphemeralDevices(string) int { return p.ephemeral }

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

var (
	cdStage   = regexp.MustCompile(`^cd (stage-\d+) && `)
	sudoUser  = regexp.MustCompile(`sudo -u '([^']+)'`)
	markerCmd = "touch " + StageMarker
)

// fakeSession records every remote call and emulates just enough of a shell
// for the commands nodes and steps issue.
type fakeSession struct {
	mu sync.Mutex

	host       string
	stageExit  int
	runErr     error
	keyMissing bool

	dirs     map[string][]string
	mkdirs   []string
	puts     []string
	commands []string
	closed   bool
}

func newFakeSession(host string) *fakeSession {
	return &fakeSession{host: host, dirs: map[string][]string{}}
}

func (s *fakeSession) Run(_ context.Context, command string) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	if s.runErr != nil {
		return nil, -1, s.runErr
	}
	switch {
	case strings.Contains(command, "cat ~/.ssh/id_ed25519.pub"):
		if s.keyMissing {
			return []byte("cat: no such file\r\n"), 1, nil
		}
		account := sudoUser.FindStringSubmatch(command)[1]
		return []byte(fmt.Sprintf("ssh-ed25519 KEY-%s-%s %s@%s\r\n", s.host, account, account, s.host)), 0, nil
	case command == "hostname":
		return []byte("host-" + s.host + "\r\n"), 0, nil
	case strings.Contains(command, "bash "+EntryScript):
		m := cdStage.FindStringSubmatch(command)
		onSuccess := s.stageExit == 0 && strings.HasSuffix(command, " && "+markerCmd)
		if onSuccess || strings.Contains(command, "; "+markerCmd+"; ") {
			s.dirs[m[1]] = append(s.dirs[m[1]], StageMarker)
		}
		return nil, s.stageExit, nil
	}
	return nil, 0, nil
}

func (s *fakeSession) Put(_ context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, remotePath)
	return nil
}

func (s *fakeSession) Mkdir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirs = append(s.mkdirs, path)
	if _, ok := s.dirs[path]; ok {
		return errors.New("file exists")
	}
	s.dirs[path] = nil
	return nil
}

func (s *fakeSession) ReadDir(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]string(nil), entries...), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) commandsMatching(sub string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.commands {
		if strings.Contains(c, sub) {
			out = append(out, c)
		}
	}
	return out
}

// fakeDialer hands out one fakeSession per host.
type fakeDialer struct {
	mu          sync.Mutex
	unreachable map[string]bool
	keyMissing  map[string]bool
	sessions    map[string]*fakeSession
	connects    int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{unreachable: map[string]bool{}, keyMissing: map[string]bool{}, sessions: map[string]*fakeSession{}}
}

func (d *fakeDialer) Connect(_ context.Context, host, user, keyFile string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.unreachable[host] {
		return nil, errors.New("connection refused")
	}
	s, ok := d.sessions[host]
	if !ok {
		s = newFakeSession(host)
		s.keyMissing = d.keyMissing[host]
		d.sessions[host] = s
	}
	return s, nil
}

func (d *fakeDialer) session(host string) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[host]
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testSpec(t *testing.T) NodeSpec {
	t.Helper()
	return NodeSpec{
		Owner:        "ops",
		User:         "ubuntu",
		Segment:      "subnet-a",
		MachineClass: "cx22",
		Image:        "ubuntu-24.04",
		KeyPair:      "deploy",
		KeyFile:      writeFile(t, "id_ed25519", "not a real key"),
	}
}

func testNode(t *testing.T, name string, spec NodeSpec) *Node {
	t.Helper()
	n, err := NewNode(name, spec,
		WithNodeRetryPolicy(fastRetry),
		WithNodeSessionPolicy(fastRetry),
		WithNodeLogger(zerolog.Nop()))
	require.NoError(t, err)
	return n
}

func testOrchestrator(t *testing.T, p providers.Provider, d Dialer, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithRetryPolicy(fastRetry),
		WithSessionRetryPolicy(fastRetry),
		WithPollInterval(time.Millisecond),
		WithPollRetries(3),
		WithFactsPaths(filepath.Join(t.TempDir(), "facts.json"), DefaultFactsPath),
	}
	return New(p, d, append(base, opts...)...)
}
