package droneapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/drone-analyzer/infrastructure/errors"
	"github.com/r3e-network/drone-analyzer/internal/domain"
	"github.com/r3e-network/drone-analyzer/internal/httpcache"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

// memCache is a tiny in-memory stand-in for httpcache.Store used only in
// tests, keyed on method+url exactly like the real store's unique index.
type memCache struct {
	entries map[string]*httpcache.Interaction
}

func newMemCache() *memCache { return &memCache{entries: map[string]*httpcache.Interaction{}} }

func (m *memCache) key(method, url string) string { return method + " " + url }

func (m *memCache) Get(_ context.Context, method, url string) (*httpcache.Interaction, error) {
	return m.entries[m.key(method, url)], nil
}

func (m *memCache) Set(_ context.Context, in *httpcache.Interaction) error {
	m.entries[m.key(in.RequestMethod, in.RequestURL)] = in
	return nil
}

func newTestClient(t *testing.T, srv *httptest.Server, cache Cache) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL, Token: "test-token"}, cache, nil, logger.NewDefault("test"))
	require.NoError(t, err)
	return c
}

func TestGetBuildInfoDecodesBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/repos/octo/cat/builds/42", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1, "number": 42, "status": "failure"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	build, err := client.GetBuildInfo(context.Background(), "octo", "cat", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), build.Number)
	assert.Equal(t, "failure", build.Status)
}

func TestGetBuildStepOutputReturnsNilOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	output, err := client.GetBuildStepOutput(context.Background(), "octo", "cat", 42, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, output)
}

func TestGetBuildStepOutputParsesLineArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"time": 1, "pos": 0, "out": "installing dependencies"}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	output, err := client.GetBuildStepOutput(context.Background(), "octo", "cat", 42, 1, 1)
	require.NoError(t, err)
	require.Len(t, output.Lines, 1)
	assert.Equal(t, "installing dependencies", output.Lines[0].Out)
}

func TestGetBuildStepOutputParsesObjectPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": "step crashed before producing output"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	output, err := client.GetBuildStepOutput(context.Background(), "octo", "cat", 42, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "step crashed before producing output", output.Message)
}

func TestRequestClassifiesNon404ErrorAsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	_, err := client.GetBuildInfo(context.Background(), "octo", "cat", 42)
	require.Error(t, err)
	assert.False(t, errors.Is404(err))
	assert.True(t, errors.IsServiceError(err))
}

func TestGetBuildInfoUsesCacheOnSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"id": 1, "number": 42, "status": "success"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())
	ctx := context.Background()

	_, err := client.GetBuildInfo(ctx, "octo", "cat", 42)
	require.NoError(t, err)
	_, err = client.GetBuildInfo(ctx, "octo", "cat", 42)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestInjectLogsIntoBuildSkipsSkippedSteps(t *testing.T) {
	fetched := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched++
		w.Write([]byte(`[{"time": 1, "pos": 0, "out": "ok"}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, newMemCache())

	build := &domain.Build{
		Number: 42,
		Stages: []*domain.Stage{
			{
				Number: 1,
				Steps: []*domain.Step{
					{Number: 1, Status: "failure"},
					{Number: 2, Status: "skipped"},
				},
			},
		},
	}
	_, err := client.InjectLogsIntoBuild(context.Background(), "octo", "cat", build)
	require.NoError(t, err)

	assert.Equal(t, 1, fetched)
	assert.NotNil(t, build.Stages[0].Steps[0].Output)
	assert.Nil(t, build.Stages[0].Steps[1].Output)
}
