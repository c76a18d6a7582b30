package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

// Phase names one step of a run.
type Phase string

const (
	PhaseRoster    Phase = "roster"
	PhasePreflight Phase = "preflight"
	PhaseStart     Phase = "start"
	PhaseReady     Phase = "ready"
	PhaseVolumes   Phase = "volumes"
	PhaseSession   Phase = "session"
	PhaseKeygen    Phase = "keygen"
	PhaseKeys      Phase = "keys"
	PhaseFacts     Phase = "facts"
	PhasePersist   Phase = "persist"
	PhaseBootstrap Phase = "bootstrap"
)

// AllPhases is the fixed run order.
var AllPhases = []Phase{
	PhaseRoster, PhasePreflight, PhaseStart, PhaseReady, PhaseVolumes, PhaseSession,
	PhaseKeygen, PhaseKeys, PhaseFacts, PhasePersist, PhaseBootstrap,
}

const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollRetries  = 10
)

// PreflightCheck inspects the roster before anything remote happens. An
// error aborts the run.
type PreflightCheck func(ctx context.Context, roster []*Node) error

// RunRecord summarises a finished run for a Recorder.
type RunRecord struct {
	Fleet    string
	Started  time.Time
	Finished time.Time
	Nodes    int
	Failed   []string
	Facts    FleetFacts
}

// Recorder persists run summaries.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

type Option func(*Orchestrator)

func WithFleetName(name string) Option { return func(o *Orchestrator) { o.fleet = name } }

func WithPollInterval(d time.Duration) Option { return func(o *Orchestrator) { o.pollInterval = d } }

func WithPollRetries(n int) Option { return func(o *Orchestrator) { o.pollRetries = n } }

func WithRetryPolicy(p RetryPolicy) Option { return func(o *Orchestrator) { o.retry = p } }

func WithSessionRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.sessionRetry = p }
}

// WithFactsPaths sets where the fleet facts are written locally and on each
// node. An empty local path skips the local file.
func WithFactsPaths(local, remote string) Option {
	return func(o *Orchestrator) { o.localFacts, o.remoteFacts = local, remote }
}

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithPreflight(checks ...PreflightCheck) Option {
	return func(o *Orchestrator) { o.preflight = append(o.preflight, checks...) }
}

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithPhases restricts a run to the named phases, still in fixed order.
func WithPhases(names ...string) Option {
	return func(o *Orchestrator) { o.phaseNames = append(o.phaseNames, names...) }
}

// Orchestrator provisions a fleet and drives every node through the run
// phases, waiting for all nodes after each phase.
type Orchestrator struct {
	provider providers.Provider
	dialer   Dialer

	fleet        string
	pollInterval time.Duration
	pollRetries  int
	retry        RetryPolicy
	sessionRetry RetryPolicy
	localFacts   string
	remoteFacts  string
	recorder     Recorder
	preflight    []PreflightCheck
	log          zerolog.Logger
	metrics      *Metrics
	phaseNames   []string

	nodes  []*Node
	pools  []*Pool
	roster []*Node
	built  bool
	facts  FleetFacts
}

func New(provider providers.Provider, dialer Dialer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:     provider,
		dialer:       dialer,
		fleet:        "fleet",
		pollInterval: DefaultPollInterval,
		pollRetries:  DefaultPollRetries,
		retry:        DefaultRetryPolicy,
		sessionRetry: DefaultSessionRetryPolicy,
		localFacts:   DefaultLocalFactsPath,
		remoteFacts:  DefaultFactsPath,
		log:          log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	o.log = o.log.With().Str("fleet", o.fleet).Logger()
	return o
}

func (o *Orchestrator) nodeOptions() []NodeOption {
	return []NodeOption{
		WithNodeRetryPolicy(o.retry),
		WithNodeSessionPolicy(o.sessionRetry),
		WithNodeFactsPath(o.remoteFacts),
		WithNodeLogger(o.log),
	}
}

var errRosterBuilt = errors.New("roster already built")

// AddNode defines a standalone node.
func (o *Orchestrator) AddNode(name string, spec NodeSpec) (*Node, error) {
	if o.built {
		return nil, errRosterBuilt
	}
	n, err := NewNode(name, spec, o.nodeOptions()...)
	if err != nil {
		return nil, err
	}
	o.nodes = append(o.nodes, n)
	return n, nil
}

// AddPool defines a pool of size identical nodes.
func (o *Orchestrator) AddPool(name string, size int, spec NodeSpec) (*Pool, error) {
	if o.built {
		return nil, errRosterBuilt
	}
	p, err := NewPool(name, size, spec, o.nodeOptions()...)
	if err != nil {
		return nil, err
	}
	o.pools = append(o.pools, p)
	return p, nil
}

// Build fixes the roster: pool members in pool order, then standalone nodes.
// Duplicate names are rejected. Calling Build again is a no-op.
func (o *Orchestrator) Build() error {
	if o.built {
		return nil
	}
	var roster []*Node
	for _, p := range o.pools {
		roster = append(roster, p.Members()...)
	}
	roster = append(roster, o.nodes...)

	seen := make(map[string]struct{}, len(roster))
	for _, n := range roster {
		if _, dup := seen[n.Name()]; dup {
			return newError(KindDuplicateNode, n.Name(), errors.New("node name defined more than once"))
		}
		seen[n.Name()] = struct{}{}
	}
	o.roster = roster
	o.built = true
	return nil
}

// Roster returns the fleet's nodes in run order. It is empty before Build.
func (o *Orchestrator) Roster() []*Node {
	return slices.Clone(o.roster)
}

// Facts returns the fleet facts gathered by the last run.
func (o *Orchestrator) Facts() FleetFacts {
	out := make(FleetFacts, len(o.facts))
	for k, v := range o.facts {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) selectedPhases() (map[Phase]bool, error) {
	selected := make(map[Phase]bool, len(AllPhases))
	if len(o.phaseNames) == 0 {
		for _, p := range AllPhases {
			selected[p] = true
		}
		return selected, nil
	}
	for _, name := range o.phaseNames {
		p := Phase(strings.TrimSpace(strings.ToLower(name)))
		if !slices.Contains(AllPhases, p) {
			return nil, newError(KindUnknownOperation, "", fmt.Errorf("unknown phase %q", name))
		}
		selected[p] = true
	}
	return selected, nil
}

// PhaseReport is the outcome of one phase. Results holds one entry per
// roster node; a nil error means the node passed the phase.
type PhaseReport struct {
	Phase    Phase
	Duration time.Duration
	Results  map[string]error
	Err      error
}

// Report is the outcome of a run.
type Report struct {
	Fleet    string
	Started  time.Time
	Duration time.Duration
	Phases   []PhaseReport
}

// Failed lists, in first-failure order, every node that failed any phase.
func (r *Report) Failed() []string {
	var failed []string
	for _, p := range r.Phases {
		names := make([]string, 0, len(p.Results))
		for name, err := range p.Results {
			if err != nil && !slices.Contains(failed, name) {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		failed = append(failed, names...)
	}
	return failed
}

// Phase returns the report for p, or nil when p did not run.
func (r *Report) Phase(p Phase) *PhaseReport {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			return &r.Phases[i]
		}
	}
	return nil
}

// Provision runs define and, only if it succeeds, builds the roster and runs
// the fleet. Nothing is provisioned for a definition that fails.
func Provision(ctx context.Context, o *Orchestrator, define func(*Orchestrator) error) (*Report, error) {
	if err := define(o); err != nil {
		return nil, fmt.Errorf("define fleet: %w", err)
	}
	if err := o.Build(); err != nil {
		return nil, err
	}
	return o.Run(ctx)
}

// Run executes the selected phases in order. Node failures are recorded in
// the report and never stop the run; the returned error is reserved for
// failures that abort it.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	selected, err := o.selectedPhases()
	if err != nil {
		return nil, err
	}
	if err := o.Build(); err != nil {
		return nil, err
	}
	defer o.closeSessions()

	report := &Report{Fleet: o.fleet, Started: time.Now()}
	o.log.Info().Int("nodes", len(o.roster)).Msg("run started")

	steps := []struct {
		phase Phase
		run   func(context.Context) ([]error, error)
	}{
		{PhasePreflight, o.runPreflight},
		{PhaseStart, o.each(func(ctx context.Context, n *Node) error { return n.Start(ctx, o.provider) })},
		{PhaseReady, o.waitReady},
		{PhaseVolumes, o.each(func(ctx context.Context, n *Node) error { return n.AttachVolumes(ctx) })},
		{PhaseSession, o.each(func(ctx context.Context, n *Node) error { return n.EstablishSession(ctx, o.dialer) })},
		{PhaseKeygen, o.each(func(ctx context.Context, n *Node) error { return n.GenerateKeys(ctx) })},
		{PhaseKeys, o.exchangeKeys},
		{PhaseFacts, o.shareFacts},
		{PhasePersist, o.persistFacts},
		{PhaseBootstrap, o.each(func(ctx context.Context, n *Node) error { return n.RunBootstrapSequence(ctx) })},
	}

	for _, step := range steps {
		if !selected[step.phase] {
			continue
		}
		pr, abort := o.runPhase(ctx, step.phase, step.run)
		report.Phases = append(report.Phases, pr)
		if abort {
			report.Duration = time.Since(report.Started)
			return report, pr.Err
		}
	}

	report.Duration = time.Since(report.Started)
	o.record(ctx, report)
	o.log.Info().Dur("duration", report.Duration).Strs("failed", report.Failed()).Msg("run finished")
	return report, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, run func(context.Context) ([]error, error)) (PhaseReport, bool) {
	logger := o.log.With().Str("phase", string(phase)).Logger()
	logger.Info().Msg("phase started")
	started := time.Now()

	errs, err := run(logger.WithContext(ctx))

	pr := PhaseReport{Phase: phase, Duration: time.Since(started), Results: make(map[string]error, len(o.roster)), Err: err}
	failures := 0
	for i, n := range o.roster {
		var nodeErr error
		if i < len(errs) {
			nodeErr = errs[i]
		}
		pr.Results[n.Name()] = nodeErr
		if nodeErr != nil {
			failures++
			logger.Error().Err(nodeErr).Str("node", n.Name()).Msg("node failed phase")
		}
	}
	o.metrics.RecordPhase(o.fleet, phase, pr.Duration, failures)

	abort := err != nil && phase == PhasePreflight
	if err != nil && !abort {
		logger.Error().Err(err).Msg("phase error")
	}
	logger.Info().Dur("duration", pr.Duration).Int("failures", failures).Msg("phase finished")
	return pr, abort
}

// each fans fn out over the roster.
func (o *Orchestrator) each(fn func(context.Context, *Node) error) func(context.Context) ([]error, error) {
	return func(ctx context.Context) ([]error, error) {
		return fanOut(ctx, *zerolog.Ctx(ctx), o.roster, func(ctx context.Context, _ int, n *Node) error {
			return fn(ctx, n)
		}), nil
	}
}

func (o *Orchestrator) runPreflight(ctx context.Context) ([]error, error) {
	for _, check := range o.preflight {
		if err := check(ctx, o.Roster()); err != nil {
			return nil, newError(KindPreflightFailed, "", err)
		}
	}
	return nil, nil
}

// waitReady polls nodes until they run or pollRetries polls have been spent.
// Nodes that never run are logged and reported; the run continues.
func (o *Orchestrator) waitReady(ctx context.Context) ([]error, error) {
	logger := zerolog.Ctx(ctx)
	errs := make([]error, len(o.roster))
	var pending []int
	for i, n := range o.roster {
		switch {
		case n.Instance() == nil:
			logger.WithLevel(zerolog.FatalLevel).Str("node", n.Name()).Msg("node has no instance")
			errs[i] = newError(KindNotRunning, n.Name(), errors.New("instance not started"))
		case n.Status() < StatusRunning:
			pending = append(pending, i)
		}
	}

poll:
	for attempt := 0; attempt < o.pollRetries && len(pending) > 0; attempt++ {
		still := pending[:0]
		for _, i := range pending {
			n := o.roster[i]
			state, err := n.Refresh(ctx)
			if err != nil {
				logger.Debug().Err(err).Str("node", n.Name()).Msg("refresh failed")
			}
			if state != providers.StateRunning {
				still = append(still, i)
			}
		}
		pending = still
		if len(pending) == 0 || attempt == o.pollRetries-1 {
			break
		}
		logger.Debug().Int("pending", len(pending)).Int("attempt", attempt).Msg("waiting for nodes")
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(o.pollInterval):
		}
	}

	for _, i := range pending {
		n := o.roster[i]
		logger.WithLevel(zerolog.FatalLevel).Str("node", n.Name()).Msg("node never reached running")
		errs[i] = newError(KindNotRunning, n.Name(), fmt.Errorf("not running after %d polls", o.pollRetries))
	}
	return errs, nil
}

// exchangeKeys gathers root and user public keys from every node, then gives
// every node the whole list. Scatter starts only after gather has joined.
func (o *Orchestrator) exchangeKeys(ctx context.Context) ([]error, error) {
	logger := zerolog.Ctx(ctx)
	rootKeys := make([]string, len(o.roster))
	userKeys := make([]string, len(o.roster))
	fanOut(ctx, *logger, o.roster, func(ctx context.Context, i int, n *Node) error {
		rootKeys[i] = n.FetchPublicKey(ctx, "root")
		if user := n.Spec().User; user != "root" {
			userKeys[i] = n.FetchPublicKey(ctx, user)
		}
		return nil
	})

	keys := collectKeys(rootKeys, userKeys)
	logger.Info().Int("keys", len(keys)).Msg("public keys gathered")
	return fanOut(ctx, *logger, o.roster, func(ctx context.Context, _ int, n *Node) error {
		return n.DistributeKeys(ctx, keys)
	}), nil
}

// collectKeys concatenates root keys then user keys, dropping blanks and
// placeholders.
func collectKeys(lists ...[]string) []string {
	var keys []string
	for _, list := range lists {
		for _, k := range list {
			if k == "" || IsPlaceholderKey(k) {
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys
}

// shareFacts gathers facts one node at a time, then uploads the complete map
// to every node concurrently.
func (o *Orchestrator) shareFacts(ctx context.Context) ([]error, error) {
	facts := make(FleetFacts, len(o.roster))
	for _, n := range o.roster {
		facts[n.Name()] = n.GatherFacts(ctx)
	}
	o.facts = facts
	return fanOut(ctx, *zerolog.Ctx(ctx), o.roster, func(ctx context.Context, _ int, n *Node) error {
		return n.UploadFacts(ctx, facts)
	}), nil
}

func (o *Orchestrator) persistFacts(ctx context.Context) ([]error, error) {
	if o.localFacts == "" {
		return nil, nil
	}
	if o.facts == nil {
		zerolog.Ctx(ctx).Warn().Msg("no facts gathered, local facts file not written")
		return nil, nil
	}
	if err := WriteFactsFile(o.localFacts, o.facts); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("path", o.localFacts).Int("nodes", len(o.facts)).Msg("facts written")
	return nil, nil
}

func (o *Orchestrator) record(ctx context.Context, report *Report) {
	if o.recorder == nil {
		return
	}
	rec := RunRecord{
		Fleet:    o.fleet,
		Started:  report.Started,
		Finished: report.Started.Add(report.Duration),
		Nodes:    len(o.roster),
		Failed:   report.Failed(),
		Facts:    o.Facts(),
	}
	if err := o.recorder.RecordRun(ctx, rec); err != nil {
		o.log.Error().Err(err).Msg("recording run failed")
	}
}

func (o *Orchestrator) closeSessions() {
	for _, n := range o.roster {
		if err := n.Close(); err != nil {
			o.log.Debug().Err(err).Str("node", n.Name()).Msg("closing session")
		}
	}
}

// ValidateRequests is a preflight check that validates every node's instance
// and volume requests without contacting the provider.
func ValidateRequests(v *providers.Validator) PreflightCheck {
	return func(_ context.Context, roster []*Node) error {
		var errs []error
		for _, n := range roster {
			spec := n.Spec()
			if err := v.ValidateInstance(n.instanceRequest(nil)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			}
			for i, vol := range spec.Volumes {
				req := providers.VolumeRequest{Name: fmt.Sprintf("%s-vol%d", n.Name(), i), SizeGB: vol.SizeGB, Class: string(vol.Class)}
				if err := v.ValidateVolume(req); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
				}
			}
		}
		return errors.Join(errs...)
	}
}
