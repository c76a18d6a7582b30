package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetstrap/internal/core"
	prov "github.com/3cpo-dev/fleetstrap/internal/providers"
	"github.com/3cpo-dev/fleetstrap/pkg/api"
)

const fleetYAML = `
name: analytics
defaults:
  owner: data-team
  machine_class: cx22
  image: ubuntu-24.04
  key_pair: deploy
  key_file: keys/fleet
  steps:
    - archive: stages/base.tar
pools:
  - name: worker
    size: 2
    volumes:
      - size_gb: 100
        class: io1
nodes:
  - name: master
    steps:
      - archive: stages/base.tar
      - archive: stages/master.tar
        args: [--role, master]
`

func writeFleet(t *testing.T, body string, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		path := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	}
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func define(t *testing.T, fleetPath string, marker core.MarkerPolicy) (*core.Orchestrator, error) {
	t.Helper()
	f, err := api.LoadFleet(fleetPath)
	require.NoError(t, err)
	o := core.New(nil, nil, core.WithLogger(zerolog.Nop()))
	if err := defineFleet(o, f, filepath.Dir(fleetPath), marker); err != nil {
		return nil, err
	}
	return o, o.Build()
}

func TestDefineFleet(t *testing.T) {
	path := writeFleet(t, fleetYAML, "keys/fleet", "stages/base.tar", "stages/master.tar")
	dir := filepath.Dir(path)

	o, err := define(t, path, core.MarkAlways)
	require.NoError(t, err)

	roster := o.Roster()
	require.Len(t, roster, 3)
	assert.Equal(t, "worker0", roster[0].Name())
	assert.Equal(t, "worker1", roster[1].Name())
	assert.Equal(t, "master", roster[2].Name())

	worker := roster[0].Spec()
	assert.Equal(t, filepath.Join(dir, "keys/fleet"), worker.KeyFile)
	assert.Equal(t, "data-team", worker.Owner)
	require.Len(t, worker.Volumes, 1)
	assert.Equal(t, core.ClassProvisionedIOPS, worker.Volumes[0].Class)
	assert.Equal(t, core.DefaultIOPS, worker.Volumes[0].IOPS)
	require.Len(t, worker.Steps, 1)
	assert.Equal(t, filepath.Join(dir, "stages/base.tar"), worker.Steps[0].Artifact())
	assert.Equal(t, core.MarkAlways, worker.Steps[0].Marker())

	master := roster[2].Spec()
	assert.Empty(t, master.Volumes)
	require.Len(t, master.Steps, 2)
	assert.Equal(t, []string{"--role", "master"}, master.Steps[1].Args())

	assert.NoError(t, core.ValidateRequests(prov.NewValidator())(t.Context(), roster))
}

func TestDefineFleetMissingArchive(t *testing.T) {
	path := writeFleet(t, fleetYAML, "keys/fleet", "stages/base.tar")
	_, err := define(t, path, core.MarkOnSuccess)
	assert.ErrorIs(t, err, core.ErrMissingFile)
	assert.ErrorContains(t, err, "node master")
}

func TestDefineFleetBadStorageClass(t *testing.T) {
	path := writeFleet(t, `
name: bad
defaults:
  key_file: keys/fleet
nodes:
  - name: db
    volumes:
      - size_gb: 10
        class: gp9
`, "keys/fleet")
	_, err := define(t, path, core.MarkOnSuccess)
	assert.ErrorContains(t, err, "unknown storage class")
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/srv/fleet", "a.tar"), localPath("/srv/fleet", "a.tar"))
	assert.Equal(t, "/abs/a.tar", localPath("/srv/fleet", "/abs/a.tar"))
	assert.Equal(t, "~/a.tar", localPath("/srv/fleet", "~/a.tar"))
	assert.Empty(t, localPath("/srv/fleet", ""))
}

func TestMarkerPolicy(t *testing.T) {
	var cfg prov.Config
	assert.Equal(t, core.MarkOnSuccess, markerPolicy(cfg))
	cfg.Bootstrap.MarkOnFailure = true
	assert.Equal(t, core.MarkAlways, markerPolicy(cfg))
}
