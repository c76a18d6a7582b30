package hcloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetstrap/internal/providers"
)

// testServer mocks the Hetzner Cloud API.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	mux := http.NewServeMux()
	ts := &testServer{server: httptest.NewServer(mux), mux: mux}
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) provider(t *testing.T) *Provider {
	client := hcloud.NewClient(
		hcloud.WithToken("test-token"),
		hcloud.WithEndpoint(ts.server.URL),
	)
	p, err := New(providers.Config{}, WithClient(client))
	require.NoError(t, err)
	return p
}

func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNew_TokenMissing(t *testing.T) {
	_, err := New(providers.Config{})
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestDescribeInstance(t *testing.T) {
	ts := newTestServer(t)
	ts.mux.HandleFunc("/servers/42", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerGetResponse{
			Server: schema.Server{
				ID:     42,
				Name:   "web0",
				Status: "running",
				PublicNet: schema.ServerPublicNet{
					IPv4: schema.ServerPublicNetIPv4{IP: "203.0.113.7"},
				},
				PrivateNet: []schema.ServerPrivateNet{{Network: 1, IP: "10.0.0.5"}},
			},
		})
	})

	inst, err := ts.provider(t).DescribeInstance(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", inst.ID)
	assert.Equal(t, providers.StateRunning, inst.State)
	assert.Equal(t, "10.0.0.5", inst.PrivateAddress)
	assert.Equal(t, "203.0.113.7", inst.PublicAddress)
}

func TestDescribeInstance_InvalidID(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.provider(t).DescribeInstance(context.Background(), "not-a-number")
	assert.Error(t, err)
}

func TestTagInstance_MergesLabels(t *testing.T) {
	ts := newTestServer(t)
	var got schema.ServerUpdateRequest
	ts.mux.HandleFunc("/servers/7", func(w http.ResponseWriter, r *http.Request) {
		server := schema.Server{ID: 7, Name: "db0", Status: "running", Labels: map[string]string{"managed-by": "fleetstrap"}}
		if r.Method == http.MethodPut {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		}
		jsonResponse(w, http.StatusOK, schema.ServerGetResponse{Server: server})
	})

	err := ts.provider(t).TagInstance(context.Background(), "7", map[string]string{"Name": "db0", "Owner": "ops team"})
	require.NoError(t, err)
	require.NotNil(t, got.Labels)
	labels := *got.Labels
	assert.Equal(t, "fleetstrap", labels["managed-by"])
	assert.Equal(t, "db0", labels["name"])
	assert.Equal(t, "ops-team", labels["owner"])
}

func TestVolumeReady(t *testing.T) {
	ts := newTestServer(t)
	ts.mux.HandleFunc("/volumes/3", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, schema.VolumeGetResponse{
			Volume: schema.Volume{ID: 3, Name: "web0-vol0", Status: "creating", Size: 10},
		})
	})
	ts.mux.HandleFunc("/volumes/4", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, schema.VolumeGetResponse{
			Volume: schema.Volume{ID: 4, Name: "web0-vol1", Status: "available", Size: 10},
		})
	})

	p := ts.provider(t)
	ready, err := p.VolumeReady(context.Background(), "3")
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = p.VolumeReady(context.Background(), "4")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestLabelValue(t *testing.T) {
	assert.Equal(t, "io1", labelValue("io1"))
	assert.Equal(t, "a-b-c", labelValue("a b/c"))
	assert.Equal(t, "x", labelValue("-x-"))
	assert.Len(t, labelValue(string(make([]byte, 100))), 0)
}
