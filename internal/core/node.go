package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
	"github.com/3cpo-dev/fleetstrap/internal/ssh"
)

// Status is a node's position in its lifecycle. It only moves forward.
type Status int

const (
	StatusDefined Status = iota
	StatusStarted
	StatusRunning
	StatusVolumesAttached
	StatusSessionEstablished
	StatusKeysGenerated
	StatusKeysDistributed
	StatusFactsUploaded
	StatusBootstrapped
)

var statusNames = [...]string{
	"defined", "started", "running", "volumes-attached", "session-established",
	"keys-generated", "keys-distributed", "facts-uploaded", "bootstrapped",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

const (
	DefaultUser      = "ubuntu"
	DefaultFactsPath = "/etc/cluster_facts.json"

	keyName = "id_ed25519"
)

// NodeSpec is the shared definition of a node, also used as a pool template.
type NodeSpec struct {
	Owner          string
	User           string
	Hostname       string
	Segment        string
	SecurityGroups []string
	PlacementGroup string
	PublicAddress  bool
	MachineClass   string
	Image          string
	KeyPair        string
	KeyFile        string
	Volumes        []VolumeSpec
	Steps          []*BootstrapStep
}

// NodeOption tunes how a node talks to its collaborators.
type NodeOption func(*Node)

func WithNodeRetryPolicy(p RetryPolicy) NodeOption   { return func(n *Node) { n.retry = p } }
func WithNodeSessionPolicy(p RetryPolicy) NodeOption { return func(n *Node) { n.sessionRetry = p } }
func WithNodeFactsPath(path string) NodeOption       { return func(n *Node) { n.factsPath = path } }
func WithNodeLogger(l zerolog.Logger) NodeOption     { return func(n *Node) { n.log = l } }

// Node is one compute unit and its lifecycle operations.
type Node struct {
	name         string
	spec         NodeSpec
	retry        RetryPolicy
	sessionRetry RetryPolicy
	factsPath    string
	log          zerolog.Logger

	mu       sync.RWMutex
	status   Status
	provider providers.Provider
	instance *providers.Instance
	starting bool
	session  Session
}

// NewNode validates spec and returns a node in the Defined state. The local
// private key file must exist.
func NewNode(name string, spec NodeSpec, opts ...NodeOption) (*Node, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("node name is required")
	}
	keyFile, err := ExpandHome(spec.KeyFile)
	if err != nil {
		return nil, newError(KindMissingFile, name, err)
	}
	if keyFile == "" {
		return nil, newError(KindMissingFile, name, errors.New("private key file is required"))
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, newError(KindMissingFile, name, fmt.Errorf("private key: %w", err))
	}
	spec.KeyFile = keyFile
	if spec.User == "" {
		spec.User = DefaultUser
	}
	spec.SecurityGroups = slices.Clone(spec.SecurityGroups)
	spec.Volumes = slices.Clone(spec.Volumes)
	spec.Steps = slices.Clone(spec.Steps)

	n := &Node{
		name:         name,
		spec:         spec,
		retry:        DefaultRetryPolicy,
		sessionRetry: DefaultSessionRetryPolicy,
		factsPath:    DefaultFactsPath,
		log:          log.Logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With().Str("node", name).Logger()
	return n, nil
}

func (n *Node) Name() string   { return n.name }
func (n *Node) Spec() NodeSpec { return n.spec }

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Instance returns a copy of the provider's view of the node, or nil before Start.
func (n *Node) Instance() *providers.Instance {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.instance == nil {
		return nil
	}
	inst := *n.instance
	return &inst
}

// Address is the address sessions connect to: private when known, else public.
func (n *Node) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.instance == nil {
		return ""
	}
	if n.instance.PrivateAddress != "" {
		return n.instance.PrivateAddress
	}
	return n.instance.PublicAddress
}

// WithPublicAddress requests a public address for the node.
func (n *Node) WithPublicAddress() *Node {
	n.spec.PublicAddress = true
	return n
}

func (n *Node) advance(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s > n.status {
		n.status = s
	}
}

func (n *Node) currentSession() Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.session
}

func (n *Node) withRetry(ctx context.Context, p RetryPolicy, kind ErrorKind, what string, fn func(context.Context) error) error {
	err := p.Do(ctx, n.log, kind, what, fn)
	var e *Error
	if errors.As(err, &e) && e.Node == "" {
		e.Node = n.name
	}
	return err
}

func (n *Node) tags() map[string]string {
	return map[string]string{"Name": n.name, "Owner": n.spec.Owner}
}

// Start creates the node's instance and tags it. It may succeed only once.
func (n *Node) Start(ctx context.Context, provider providers.Provider) error {
	n.mu.Lock()
	switch {
	case n.instance != nil:
		n.mu.Unlock()
		return newError(KindAlreadyStarted, n.name, fmt.Errorf("instance %s exists", n.instance.ID))
	case n.starting:
		n.mu.Unlock()
		return newError(KindAlreadyStarted, n.name, errors.New("start already in progress"))
	}
	n.starting = true
	n.provider = provider
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.starting = false
		n.mu.Unlock()
	}()

	ephemeral := map[string]string{}
	for i := 0; i < provider.EphemeralDevices(n.spec.MachineClass); i++ {
		dev, err := DeviceName(i)
		if err != nil {
			return err
		}
		ephemeral[dev] = fmt.Sprintf("ephemeral%d", i)
	}

	n.log.Info().Str("image", n.spec.Image).Str("class", n.spec.MachineClass).Msg("starting instance")
	inst, err := provider.CreateInstance(ctx, n.instanceRequest(ephemeral))
	if err != nil {
		return fmt.Errorf("%s: create instance: %w", n.name, err)
	}

	n.mu.Lock()
	n.instance = inst
	n.mu.Unlock()
	n.advance(StatusStarted)
	n.log.Info().Str("id", inst.ID).Msg("instance created")

	// Tag exhaustion is logged by the retry policy; the instance still exists.
	_ = n.withRetry(ctx, n.retry, KindTagFailed, "tag instance", func(ctx context.Context) error {
		return provider.TagInstance(ctx, inst.ID, n.tags())
	})
	return nil
}

func (n *Node) instanceRequest(ephemeral map[string]string) providers.InstanceRequest {
	var authorized []string
	if pub, err := os.ReadFile(n.spec.KeyFile + ".pub"); err == nil {
		authorized = append(authorized, strings.TrimSpace(string(pub)))
	}
	return providers.InstanceRequest{
		Name:             n.name,
		Image:            n.spec.Image,
		MachineClass:     n.spec.MachineClass,
		Segment:          n.spec.Segment,
		SecurityGroups:   slices.Clone(n.spec.SecurityGroups),
		PlacementGroup:   n.spec.PlacementGroup,
		KeyPair:          n.spec.KeyPair,
		PublicAddress:    n.spec.PublicAddress,
		UserData:         providers.CloudInitUserData(n.spec.User, n.spec.Hostname, authorized...),
		EphemeralDevices: ephemeral,
	}
}

// Refresh asks the provider for the instance state and records its addresses.
func (n *Node) Refresh(ctx context.Context) (providers.InstanceState, error) {
	n.mu.RLock()
	provider, inst := n.provider, n.instance
	n.mu.RUnlock()
	if inst == nil {
		return providers.StatePending, newError(KindNotRunning, n.name, errors.New("instance not started"))
	}
	current, err := provider.DescribeInstance(ctx, inst.ID)
	if err != nil {
		return providers.StateOther, fmt.Errorf("%s: describe instance: %w", n.name, err)
	}
	n.mu.Lock()
	n.instance = current
	n.mu.Unlock()
	if current.State == providers.StateRunning {
		n.advance(StatusRunning)
	}
	return current.State, nil
}

var errVolumePending = errors.New("volume not available yet")

// AttachVolumes creates, tags and attaches every requested volume in order.
// The instance must be running.
func (n *Node) AttachVolumes(ctx context.Context) error {
	state, err := n.Refresh(ctx)
	if err != nil {
		if KindOf(err) == KindNotRunning {
			return err
		}
		return newError(KindNotRunning, n.name, err)
	}
	if state != providers.StateRunning {
		return newError(KindNotRunning, n.name, fmt.Errorf("instance state %s", state))
	}

	n.mu.RLock()
	provider, instanceID := n.provider, n.instance.ID
	n.mu.RUnlock()
	ephemeral := provider.EphemeralDevices(n.spec.MachineClass)

	var errs []error
	for i, v := range n.spec.Volumes {
		volName := fmt.Sprintf("%s-vol%d", n.name, i)
		logger := n.log.With().Str("volume", volName).Logger()

		device, err := DeviceName(ephemeral + i)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", volName, err))
			break
		}
		id, err := provider.CreateVolume(ctx, providers.VolumeRequest{
			Name:       volName,
			InstanceID: instanceID,
			SizeGB:     v.SizeGB,
			Class:      string(v.Class),
			IOPS:       v.IOPS,
			Snapshot:   v.Snapshot,
		})
		if err != nil {
			logger.Error().Err(err).Msg("create volume failed")
			errs = append(errs, fmt.Errorf("%s: create: %w", volName, err))
			continue
		}

		err = n.withRetry(ctx, n.retry, KindVolumeNotReady, "wait for "+volName, func(ctx context.Context) error {
			ready, err := provider.VolumeReady(ctx, id)
			if err != nil {
				return err
			}
			if !ready {
				return errVolumePending
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		_ = n.withRetry(ctx, n.retry, KindTagFailed, "tag "+volName, func(ctx context.Context) error {
			return provider.TagVolume(ctx, id, map[string]string{"Name": volName, "Owner": n.spec.Owner})
		})

		if err := provider.AttachVolume(ctx, id, instanceID, device); err != nil {
			logger.Error().Err(err).Str("device", device).Msg("attach volume failed")
			errs = append(errs, fmt.Errorf("%s: attach at %s: %w", volName, device, err))
			continue
		}
		logger.Info().Str("device", device).Int("size_gb", v.SizeGB).Msg("volume attached")
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	n.advance(StatusVolumesAttached)
	return nil
}

// EstablishSession connects to the node, retrying while its SSH endpoint
// comes up.
func (n *Node) EstablishSession(ctx context.Context, dialer Dialer) error {
	if n.Instance() == nil {
		return newError(KindSessionError, n.name, errors.New("instance not started"))
	}
	if n.currentSession() != nil {
		return nil
	}
	err := n.withRetry(ctx, n.sessionRetry, KindSessionError, "connect", func(ctx context.Context) error {
		addr := n.Address()
		if addr == "" {
			if _, err := n.Refresh(ctx); err != nil {
				return err
			}
			if addr = n.Address(); addr == "" {
				return errors.New("instance has no address yet")
			}
		}
		s, err := dialer.Connect(ctx, addr, n.spec.User, n.spec.KeyFile)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.session = s
		n.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	n.log.Info().Str("address", n.Address()).Msg("session established")
	n.advance(StatusSessionEstablished)
	return nil
}

func (n *Node) requireSession() (Session, error) {
	s := n.currentSession()
	if s == nil {
		return nil, newError(KindSessionError, n.name, errors.New("no session"))
	}
	return s, nil
}

func (n *Node) accounts() []string {
	if n.spec.User == "root" {
		return []string{"root"}
	}
	return []string{"root", n.spec.User}
}

func (n *Node) run(ctx context.Context, s Session, what, command string) ([]byte, error) {
	out, status, err := s.Run(ctx, command)
	if err != nil {
		return out, fmt.Errorf("%s: %s: %w", n.name, what, err)
	}
	if status != 0 {
		return out, fmt.Errorf("%s: %s: exit status %d: %s", n.name, what, status, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// GenerateKeys makes sure root and the primary user each have a key pair.
// Existing keys are kept.
func (n *Node) GenerateKeys(ctx context.Context) error {
	s, err := n.requireSession()
	if err != nil {
		return err
	}
	for _, account := range n.accounts() {
		script := fmt.Sprintf(
			`if [ ! -f ~/.ssh/%[1]s.pub ]; then mkdir -p ~/.ssh && ssh-keygen -q -t ed25519 -N '' -C '%[2]s@%[3]s' -f ~/.ssh/%[1]s; fi`,
			keyName, account, n.name)
		if _, err := n.run(ctx, s, "generate key for "+account, asUser(account, script)); err != nil {
			return err
		}
	}
	n.advance(StatusKeysGenerated)
	return nil
}

const (
	placeholderKeyPrefix = "ssh-ed25519 "
	placeholderBlob      = "AAAAC3NzaC1lZDI1NTE5AAAAIAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	placeholderMark      = "unreachable@"
)

// PlaceholderKey stands in for a key that could not be fetched from node.
func PlaceholderKey(node string) string {
	return placeholderKeyPrefix + placeholderBlob + " " + placeholderMark + node
}

func IsPlaceholderKey(key string) bool {
	return strings.Contains(key, placeholderBlob)
}

// FetchPublicKey returns account's public key. It never fails: when the key
// cannot be read a placeholder is returned instead.
func (n *Node) FetchPublicKey(ctx context.Context, account string) string {
	logger := n.log.With().Str("account", account).Logger()
	s := n.currentSession()
	if s == nil {
		logger.WithLevel(zerolog.FatalLevel).Msg("no session, using placeholder public key")
		return PlaceholderKey(n.name)
	}
	out, err := n.run(ctx, s, "read public key", asUser(account, "cat ~/.ssh/"+keyName+".pub"))
	key := strings.TrimSpace(string(out))
	if i := strings.Index(key, "ssh-"); i >= 0 {
		key = key[i:]
	} else if err == nil {
		err = errors.New("output is not a public key")
	}
	if err != nil {
		logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("unable to get public key, using placeholder")
		return PlaceholderKey(n.name)
	}
	return key
}

// DistributeKeys appends keys to root's authorized_keys. Keys already present
// are appended again.
func (n *Node) DistributeKeys(ctx context.Context, keys []string) error {
	s, err := n.requireSession()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		quoted := make([]string, len(keys))
		for i, k := range keys {
			quoted[i] = ssh.Quote(k)
		}
		cmd := fmt.Sprintf("printf '%%s\\n' %s | %s", strings.Join(quoted, " "),
			asUser("root", "mkdir -p ~/.ssh && chmod 700 ~/.ssh && cat >> ~/.ssh/authorized_keys"))
		if _, err := n.run(ctx, s, "append authorized keys", cmd); err != nil {
			return err
		}
	}
	n.log.Info().Int("keys", len(keys)).Msg("authorized keys distributed")
	n.advance(StatusKeysDistributed)
	return nil
}

// GatherFacts describes the node for the fleet facts file. When the node
// cannot be reached only the locally known fields are filled.
func (n *Node) GatherFacts(ctx context.Context) Fact {
	fact := Fact{Name: n.name, Subnet: n.spec.Segment, MainUser: n.spec.User, Owner: n.spec.Owner}
	s := n.currentSession()
	if s == nil {
		n.log.Warn().Msg("no session, recording local facts only")
		return fact
	}
	out, err := n.run(ctx, s, "hostname", "hostname")
	if err != nil {
		n.log.Warn().Err(err).Msg("unable to read hostname, recording local facts only")
		return fact
	}
	fact.IPAddress = n.Address()
	fact.Hostname = strings.TrimSpace(string(out))
	return fact
}

// UploadFacts writes the fleet facts to the node's facts path.
func (n *Node) UploadFacts(ctx context.Context, facts FleetFacts) error {
	s, err := n.requireSession()
	if err != nil {
		return err
	}
	data, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	cmd := fmt.Sprintf("printf '%%s' %s | sudo tee %s > /dev/null", ssh.Quote(string(data)), ssh.Quote(n.factsPath))
	if _, err := n.run(ctx, s, "upload facts", cmd); err != nil {
		return err
	}
	n.advance(StatusFactsUploaded)
	return nil
}

// RunBootstrapSequence executes the node's steps in order, numbering stages
// from 0. It stops at the first step that fails to reach the node.
func (n *Node) RunBootstrapSequence(ctx context.Context) error {
	s, err := n.requireSession()
	if err != nil {
		return err
	}
	ctx = n.log.WithContext(ctx)
	for i, step := range n.spec.Steps {
		if err := step.Execute(ctx, s, i); err != nil {
			return fmt.Errorf("%s: stage %d: %w", n.name, i, err)
		}
	}
	n.advance(StatusBootstrapped)
	return nil
}

// Close releases the node's session.
func (n *Node) Close() error {
	n.mu.Lock()
	s := n.session
	n.session = nil
	n.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
