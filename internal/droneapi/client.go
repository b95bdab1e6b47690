// Package droneapi is the HTTP client for the upstream Drone CI server.
//
// Grounded on drone-ci-butler's drone_api/client.py (DroneAPIClient) for the
// operation set and request/cache/error flow, and on
// infrastructure/httputil + infrastructure/resilience for the transport and
// fault-tolerance idiom (circuit breaker + retry wrapping every round trip).
package droneapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/drone-analyzer/infrastructure/errors"
	"github.com/r3e-network/drone-analyzer/infrastructure/httputil"
	"github.com/r3e-network/drone-analyzer/infrastructure/metrics"
	"github.com/r3e-network/drone-analyzer/infrastructure/resilience"
	"github.com/r3e-network/drone-analyzer/internal/domain"
	"github.com/r3e-network/drone-analyzer/internal/eventbus"
	"github.com/r3e-network/drone-analyzer/internal/httpcache"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
	"github.com/r3e-network/drone-analyzer/pkg/version"
)

const maxResponseBody = 10 << 20 // 10MiB, Drone log payloads can be sizable

// Cache is the subset of httpcache.Store the client depends on.
type Cache interface {
	Get(ctx context.Context, method, url string) (*httpcache.Interaction, error)
	Set(ctx context.Context, in *httpcache.Interaction) error
}

// Client talks to a single Drone server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   Cache
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	log     *logger.Logger
	bus     *eventbus.Bus

	maxPages  int
	maxBuilds int
}

// Config configures a new Client.
type Config struct {
	BaseURL   string
	Token     string
	MaxPages  int
	MaxBuilds int
	Timeout   time.Duration
}

// New builds a Client. cache may be nil to disable GET caching entirely; bus
// may be nil to disable signal publishing entirely.
func New(cfg Config, cache Cache, bus *eventbus.Bus, log *logger.Logger) (*Client, error) {
	normalized, _, err := httputil.NormalizeServiceBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, errors.ConfigMissing("drone.server_url").WithDetails("reason", err.Error())
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := httputil.CopyHTTPClientWithTimeout(nil, timeout, true)

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}
	maxBuilds := cfg.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = 100
	}

	return &Client{
		baseURL:   normalized,
		token:     cfg.Token,
		http:      httpClient,
		cache:     cache,
		breaker:   resilience.New(resilience.DefaultServiceCBConfig(log)),
		retry:     resilience.DefaultRetryConfig(),
		log:       log,
		bus:       bus,
		maxPages:  maxPages,
		maxBuilds: maxBuilds,
	}, nil
}

func (c *Client) publish(ctx context.Context, signal eventbus.Signal, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, signal, payload)
}

func (c *Client) makeURL(path string) string {
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

type requestOptions struct {
	params    url.Values
	skipCache bool
}

// request performs method against path, consulting and populating the cache
// for GETs unless skipCache is set. A non-200 response is classified into
// errors.NotFound or errors.UpstreamError.
func (c *Client) request(ctx context.Context, method, path string, opts requestOptions) ([]byte, error) {
	reqURL := c.makeURL(path)
	if len(opts.params) > 0 {
		reqURL += "?" + opts.params.Encode()
	}

	m := metrics.Global()

	if !opts.skipCache && method == http.MethodGet && c.cache != nil {
		if cached, err := c.cache.Get(ctx, method, reqURL); err == nil && cached != nil {
			m.RecordCacheHit(method)
			return []byte(cached.ResponseBody), nil
		}
		m.RecordCacheMiss(method)
	}

	m.IncrementInFlight()
	defer m.DecrementInFlight()
	started := time.Now()

	var body []byte
	var status int
	callErr := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("User-Agent", version.UserAgent())

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			status = resp.StatusCode
			b, _, err := httputil.ReadAllWithLimit(resp.Body, maxResponseBody)
			if err != nil {
				return err
			}
			body = b
			if status != http.StatusOK {
				// Non-200 is not a transport failure; don't trip the
				// breaker or retry on it, it will be classified below.
				return nil
			}
			return nil
		})
	})
	m.RecordHTTPRequest("drone-api", method, path, strconv.Itoa(status), time.Since(started))

	if callErr != nil {
		m.RecordError("drone-api", "transport", path)
		return nil, errors.UpstreamError(fmt.Sprintf("%s %s", method, path), callErr)
	}

	if status == http.StatusNotFound {
		return nil, errors.NotFound("drone-resource", path)
	}
	if status != http.StatusOK {
		m.RecordError("drone-api", "upstream", path)
		return nil, errors.UpstreamError(fmt.Sprintf("%s %s", method, path), fmt.Errorf("unexpected status %d", status))
	}

	if !opts.skipCache && method == http.MethodGet && c.cache != nil {
		_ = c.cache.Set(ctx, &httpcache.Interaction{
			RequestURL:     reqURL,
			RequestMethod:  method,
			ResponseStatus: status,
			ResponseBody:   string(body),
		})
	}
	return body, nil
}

// GetBuilds recursively paginates a repository's builds until either
// max_builds is reached or max_pages is exhausted. Every page bypasses the
// cache. Returned builds are sorted descending by max(finished, updated),
// truncated to max_builds.
func (c *Client) GetBuilds(ctx context.Context, owner, repo string) ([]*domain.Build, error) {
	var all []*domain.Build
	pageNum := 1
	for pageNum <= c.maxPages && len(all) < c.maxBuilds {
		params := url.Values{}
		params.Set("page", strconv.Itoa(pageNum))
		body, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/repos/%s/%s/builds", owner, repo), requestOptions{params: params, skipCache: true})
		if err != nil {
			return nil, err
		}
		var pageBuilds []*domain.Build
		if err := json.Unmarshal(body, &pageBuilds); err != nil {
			return nil, errors.UpstreamError("decode builds page", err)
		}
		if len(pageBuilds) == 0 {
			break
		}
		all = append(all, pageBuilds...)
		pageNum++
	}

	sort.SliceStable(all, func(i, j int) bool {
		return maxInt64(all[i].Finished, all[i].Updated) > maxInt64(all[j].Finished, all[j].Updated)
	})
	if len(all) > c.maxBuilds {
		all = all[:c.maxBuilds]
	}
	c.publish(ctx, eventbus.SignalGetBuilds, map[string]any{
		"owner": owner, "repo": repo, "builds": len(all), "max_builds": c.maxBuilds, "max_pages": c.maxPages,
	})
	return all, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// IterBuildsByPage returns a lazy, page-by-page sequence over a repository's
// builds: each call to the returned function fetches exactly one page and
// advances an internal cursor, rather than accumulating every page in memory
// the way GetBuilds does. It stops (ok=false, err=nil) once a page comes back
// empty or max_pages is exhausted. The returned function is not restartable;
// call IterBuildsByPage again for a fresh sequence. Every page bypasses the
// cache, same as GetBuilds.
func (c *Client) IterBuildsByPage(owner, repo string) func(ctx context.Context) (builds []*domain.Build, page int, ok bool, err error) {
	pageNum := 0
	done := false
	return func(ctx context.Context) ([]*domain.Build, int, bool, error) {
		if done || pageNum >= c.maxPages {
			return nil, pageNum, false, nil
		}
		pageNum++

		params := url.Values{}
		params.Set("page", strconv.Itoa(pageNum))
		body, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/repos/%s/%s/builds", owner, repo), requestOptions{params: params, skipCache: true})
		if err != nil {
			done = true
			return nil, pageNum, false, err
		}

		var pageBuilds []*domain.Build
		if err := json.Unmarshal(body, &pageBuilds); err != nil {
			done = true
			return nil, pageNum, false, errors.UpstreamError("decode builds page", err)
		}
		if len(pageBuilds) == 0 {
			done = true
			return nil, pageNum, false, nil
		}

		c.publish(ctx, eventbus.SignalIterBuildsByPage, map[string]any{
			"owner": owner, "repo": repo, "page": pageNum, "builds": len(pageBuilds), "max_pages": c.maxPages,
		})
		return pageBuilds, pageNum, true, nil
	}
}

// GetBuildInfo fetches a single build by number. A cache hit short-circuits
// the network round trip.
func (c *Client) GetBuildInfo(ctx context.Context, owner, repo string, buildNumber int64) (*domain.Build, error) {
	body, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/repos/%s/%s/builds/%d", owner, repo, buildNumber), requestOptions{})
	if err != nil {
		return nil, err
	}
	var build domain.Build
	if err := json.Unmarshal(body, &build); err != nil {
		return nil, errors.UpstreamError("decode build info", err)
	}
	c.publish(ctx, eventbus.SignalGetBuildInfo, map[string]any{"owner": owner, "repo": repo, "build_number": buildNumber, "build": &build})
	return &build, nil
}

// GetBuildStepOutput fetches a single step's log output. A 404 is reported
// as (nil, nil), not an error: Drone 404s logs for steps it never ran, and
// callers (injectLogs) treat that as "no output" rather than a failure.
func (c *Client) GetBuildStepOutput(ctx context.Context, owner, repo string, buildNumber, stageNumber, stepNumber int64) (*domain.Output, error) {
	path := fmt.Sprintf("/api/repos/%s/%s/builds/%d/logs/%d/%d", owner, repo, buildNumber, stageNumber, stepNumber)
	body, err := c.request(ctx, http.MethodGet, path, requestOptions{})
	if err != nil {
		if errors.Is404(err) {
			return nil, nil
		}
		return nil, err
	}

	var output *domain.Output
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		output = &domain.Output{}
	case trimmed[0] == '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, errors.UpstreamError("decode step output object", err)
		}
		output = domain.NewOutputFromObject(obj)
		var wrapped struct {
			Lines []domain.OutputLine `json:"lines"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, errors.UpstreamError("decode step output lines", err)
		}
		output.Lines = wrapped.Lines
	case trimmed[0] == '[':
		var lines []domain.OutputLine
		if err := json.Unmarshal(trimmed, &lines); err != nil {
			return nil, errors.UpstreamError("decode step output lines", err)
		}
		output = &domain.Output{Lines: lines}
	default:
		return nil, errors.UpstreamError("decode step output", fmt.Errorf("unexpected step log shape"))
	}

	c.publish(ctx, eventbus.SignalGetBuildStepOut, map[string]any{
		"owner": owner, "repo": repo, "build_number": buildNumber, "stage_number": stageNumber, "step_number": stepNumber, "output": output,
	})
	return output, nil
}

// GetLatestBuild fetches a branch's latest build and injects its step logs.
func (c *Client) GetLatestBuild(ctx context.Context, owner, repo, branch string) (*domain.Build, error) {
	params := url.Values{}
	params.Set("branch", branch)
	body, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/repos/%s/%s/builds/latest", owner, repo), requestOptions{params: params})
	if err != nil {
		return nil, err
	}
	var build domain.Build
	if err := json.Unmarshal(body, &build); err != nil {
		return nil, errors.UpstreamError("decode latest build", err)
	}
	return c.InjectLogsIntoBuild(ctx, owner, repo, &build)
}

// InjectLogsIntoBuild populates Output on every non-skipped step of every
// stage. A NotFound or UpstreamError fetching one step's logs is logged and
// the step is left with empty output; processing continues with the next
// step rather than aborting the whole build.
func (c *Client) InjectLogsIntoBuild(ctx context.Context, owner, repo string, build *domain.Build) (*domain.Build, error) {
	for _, stage := range build.Stages {
		for _, step := range stage.Steps {
			if step.IsSkipped() {
				continue
			}
			output, err := c.GetBuildStepOutput(ctx, owner, repo, build.Number, stage.Number, step.Number)
			if err != nil {
				c.log.WithFields(map[string]interface{}{
					"owner": owner,
					"repo":  repo,
					"build": build.Number,
					"stage": stage.Number,
					"step":  step.Number,
					"error": err.Error(),
				}).Warn("failed to retrieve step log output")
				continue
			}
			step.Output = output
		}
	}
	return build, nil
}

// GetBuildWithLogs composes GetBuildInfo and InjectLogsIntoBuild.
func (c *Client) GetBuildWithLogs(ctx context.Context, owner, repo string, buildNumber int64) (*domain.Build, error) {
	build, err := c.GetBuildInfo(ctx, owner, repo, buildNumber)
	if err != nil {
		return nil, err
	}
	return c.InjectLogsIntoBuild(ctx, owner, repo, build)
}

// Close releases the client's underlying transport resources.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
