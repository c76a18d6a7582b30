package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/fleetstrap/internal/ssh"
)

const (
	EntryScript = "bootstrap.sh"
	OutputLog   = "bootstrap.log"
	StageMarker = "stage-complete"
)

// MarkerPolicy decides when a stage is marked complete.
type MarkerPolicy int

const (
	// MarkOnSuccess writes the marker only when the entry script exits 0.
	MarkOnSuccess MarkerPolicy = iota
	// MarkAlways writes the marker whatever the exit status, so a failed
	// stage is not retried on the next run.
	MarkAlways
)

// BootstrapStep uploads an archive to a node, unpacks it into its stage
// directory and runs the archive's entry script as root. A stage that has
// completed once is skipped on later runs.
type BootstrapStep struct {
	artifact string
	args     []string
	marker   MarkerPolicy
}

// NewBootstrapStep returns a step for the archive at artifact. The archive
// must exist.
func NewBootstrapStep(artifact string, args ...string) (*BootstrapStep, error) {
	return NewBootstrapStepWithPolicy(MarkOnSuccess, artifact, args...)
}

func NewBootstrapStepWithPolicy(policy MarkerPolicy, artifact string, args ...string) (*BootstrapStep, error) {
	path, err := ExpandHome(artifact)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindMissingFile, "", fmt.Errorf("bootstrap archive %s: %w", artifact, err))
	}
	if fi.IsDir() {
		return nil, newError(KindMissingFile, "", fmt.Errorf("bootstrap archive %s is a directory", artifact))
	}
	return &BootstrapStep{artifact: path, args: slices.Clone(args), marker: policy}, nil
}

func (s *BootstrapStep) Artifact() string     { return s.artifact }
func (s *BootstrapStep) Args() []string       { return slices.Clone(s.args) }
func (s *BootstrapStep) Marker() MarkerPolicy { return s.marker }

func stageDir(stage int) string { return "stage-" + strconv.Itoa(stage) }

// command is the remote shell line that runs the entry script for stage.
func (s *BootstrapStep) command(stage int) string {
	script := "bash " + EntryScript
	for _, a := range s.args {
		script += " " + ssh.Quote(a)
	}
	run := fmt.Sprintf("sudo -u root -H bash -l -c %s > %s", ssh.Quote(script), OutputLog)
	if s.marker == MarkAlways {
		return fmt.Sprintf("cd %s && { %s; rc=$?; touch %s; exit $rc; }", stageDir(stage), run, StageMarker)
	}
	return fmt.Sprintf("cd %s && %s && touch %s", stageDir(stage), run, StageMarker)
}

// Execute runs the step as stage number stage over session. A non-zero exit
// of the entry script is logged and not returned; transport failures are.
func (s *BootstrapStep) Execute(ctx context.Context, session Session, stage int) error {
	logger := zerolog.Ctx(ctx).With().Int("stage", stage).Logger()
	dir := stageDir(stage)

	if err := session.Mkdir(dir); err != nil {
		logger.Debug().Err(err).Msg("stage directory not created, assuming it exists")
	}
	entries, err := session.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	if slices.Contains(entries, StageMarker) {
		logger.Info().Msg("stage already complete, skipping")
		return nil
	}

	tarball := dir + ".tar"
	if err := session.Put(ctx, s.artifact, dir+"/"+tarball); err != nil {
		return fmt.Errorf("upload %s: %w", s.artifact, err)
	}
	out, status, err := session.Run(ctx, fmt.Sprintf("cd %s && tar xf %s", dir, tarball))
	if err != nil {
		return fmt.Errorf("unpack %s: %w", tarball, err)
	}
	if status != 0 {
		logger.Error().Int("status", status).Str("output", strings.TrimSpace(string(out))).Msg("unpacking stage archive failed")
		return nil
	}

	logger.Info().Str("archive", s.artifact).Msg("running stage")
	out, status, err = session.Run(ctx, s.command(stage))
	if err != nil {
		return fmt.Errorf("run stage %d: %w", stage, err)
	}
	if status != 0 {
		logger.Error().Int("status", status).Msg("stage did not complete")
		logger.Debug().Str("output", string(out)).Msg("stage output")
		return nil
	}
	logger.Info().Msg("stage complete")
	return nil
}

var errNoHome = errors.New("cannot resolve home directory")

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", errNoHome
	}
	return home + path[1:], nil
}
