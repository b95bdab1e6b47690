package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/drone-analyzer/internal/domain"
)

func TestSlackNotifierPostsBlockPayload(t *testing.T) {
	var capturedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		capturedBody = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	ctx := &domain.AnalysisContext{
		Build: &domain.Build{Number: 42, Link: "https://github.com/acme/widgets/pull/7"},
		Stage: &domain.Stage{Name: "build"},
		Step:  &domain.Step{Name: "yarn install", Output: &domain.Output{Message: "failed"}},
	}

	err := n.Notify(context.Background(), User{GithubLogin: "octocat"}, ctx, []string{"YarnDependencyNotResolved: matched"})
	require.NoError(t, err)
	assert.Contains(t, capturedBody, "yarn install")
	assert.Contains(t, capturedBody, "octocat")
}

func TestSlackNotifierReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	ctx := &domain.AnalysisContext{Build: &domain.Build{Number: 1}}

	err := n.Notify(context.Background(), User{}, ctx, nil)
	assert.Error(t, err)
}
