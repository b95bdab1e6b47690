// Package buildprocessor implements the per-job orchestration the worker
// pool hands decoded job envelopes to: fetch, gate, inject logs, persist,
// analyze, notify/index.
//
// Grounded on services/requests/marble/dispatcher.go's orchestration style:
// structured logger.WithFields, early-return gating, persist-then-continue
// error handling. The six-step flow itself mirrors
// original_source/drone_ci_butler's worker loop (get_build_info ->
// get_build_with_logs -> rule_engine.apply -> notify), adapted to this
// project's Go domain model and explicit-error style.
package buildprocessor

import (
	"context"
	"fmt"
	"regexp"

	"github.com/r3e-network/drone-analyzer/infrastructure/metrics"
	"github.com/r3e-network/drone-analyzer/internal/broker"
	"github.com/r3e-network/drone-analyzer/internal/domain"
	"github.com/r3e-network/drone-analyzer/internal/eventbus"
	"github.com/r3e-network/drone-analyzer/internal/notify"
	"github.com/r3e-network/drone-analyzer/internal/persistence"
	"github.com/r3e-network/drone-analyzer/internal/ruleengine"
	"github.com/r3e-network/drone-analyzer/internal/searchindex"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

// DroneClient is the narrow Drone API surface the processor needs.
type DroneClient interface {
	GetBuildInfo(ctx context.Context, owner, repo string, buildNumber int64) (*domain.Build, error)
	GetBuildWithLogs(ctx context.Context, owner, repo string, buildNumber int64) (*domain.Build, error)
}

// Gateway is the narrow persistence surface the processor needs.
type Gateway interface {
	FindByLink(ctx context.Context, owner, repo, link string) (*persistence.StoredBuild, error)
	GetOrCreateBuild(ctx context.Context, owner, repo string, number int64, build *domain.Build) (*persistence.StoredBuild, error)
	UpdateFromAPI(ctx context.Context, sb *persistence.StoredBuild, build *domain.Build, outputRetrieved bool) error
	UpdateMatches(ctx context.Context, sb *persistence.StoredBuild, descriptions []string) error
	FindUserByGithubUsername(ctx context.Context, login string) (*persistence.User, error)
}

// Config wires a Processor's collaborators.
type Config struct {
	Owner       string
	Repo        string
	Client      DroneClient
	Store       Gateway
	RuleSet     *ruleengine.RuleSet
	Notifier    notify.Notifier
	SearchIndex searchindex.Index
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	Log         *logger.Logger
}

// Processor implements workerpool.JobHandler: process(build_id, ignore_filters).
type Processor struct {
	cfg Config
	log *logger.Logger
}

// New builds a Processor from cfg.
func New(cfg Config) *Processor {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("build-processor")
	}
	return &Processor{cfg: cfg, log: log}
}

// prNumberPattern is built per-owner/repo since the original's filter
// requires the link to reference this exact repository's pull requests.
func (p *Processor) prNumberPattern() *regexp.Regexp {
	pattern := fmt.Sprintf(`github\.com/%s/%s/pull/(\d+)`, regexp.QuoteMeta(p.cfg.Owner), regexp.QuoteMeta(p.cfg.Repo))
	return regexp.MustCompile(pattern)
}

// HandleJob implements workerpool.JobHandler. It never returns an error for
// business-logic drops (missing build, filtered out, etc.) — those are
// logged and the job is considered handled. It returns an error only when
// persisting the build (creating the stored build, saving its snapshot, or
// saving its matches) fails, which trips the worker's postmortem path.
func (p *Processor) HandleJob(ctx context.Context, env broker.Envelope) error {
	if env.CorrelationID != "" {
		p.log.WithField("correlation_id", env.CorrelationID).WithField("build_id", env.BuildID).
			Debug("dequeued job")
	}
	err := p.Process(ctx, env.BuildID, env.IgnoreFilters)
	if p.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		p.cfg.Metrics.RecordJobProcessed(status)
	}
	return err
}

// Process runs the six-step flow for a single build_id.
func (p *Processor) Process(ctx context.Context, buildID int64, ignoreFilters bool) error {
	log := p.log.WithFields(map[string]interface{}{
		"owner": p.cfg.Owner, "repo": p.cfg.Repo, "build_id": buildID, "ignore_filters": ignoreFilters,
	})

	// 1. Fetch.
	build, err := p.cfg.Client.GetBuildInfo(ctx, p.cfg.Owner, p.cfg.Repo, buildID)
	if err != nil {
		log.WithError(err).Warn("failed to fetch build info, dropping job")
		return nil
	}

	// 2. Gate (deduplication).
	sb, err := p.cfg.Store.FindByLink(ctx, p.cfg.Owner, p.cfg.Repo, build.Link)
	if err != nil {
		log.WithError(err).Warn("failed to look up stored build, dropping job")
		return nil
	}
	if sb != nil {
		if sb.LastRulesetProcessedAt.Valid {
			log.Info("build already analyzed, skipping")
			return nil
		}
		if !ignoreFilters && sb.IsTerminal() {
			log.Info("build already terminal with output retrieved, skipping")
			return nil
		}
	}

	// 3. Gate (filters).
	match := p.prNumberPattern().FindStringSubmatch(build.Link)
	if match == nil {
		log.Info("build link is not a pull request, dropping job")
		return nil
	}

	var user *persistence.User
	if !ignoreFilters {
		user, err = p.cfg.Store.FindUserByGithubUsername(ctx, build.AuthorLogin)
		if err != nil {
			log.WithError(err).Warn("failed to look up author opt-in, dropping job")
			return nil
		}
		if user == nil || !user.OptedIn {
			log.Info("build author has not opted in, dropping job")
			return nil
		}
		if build.Status != "running" && build.Status != "failure" {
			log.WithField("status", build.Status).Info("build status not in scope, dropping job")
			return nil
		}
	}

	// 4. Inject logs.
	build, err = p.cfg.Client.GetBuildWithLogs(ctx, p.cfg.Owner, p.cfg.Repo, build.Number)
	if err != nil {
		log.WithError(err).Warn("failed to inject build logs, dropping job")
		return nil
	}

	// 5. Persist.
	if sb == nil {
		sb, err = p.cfg.Store.GetOrCreateBuild(ctx, p.cfg.Owner, p.cfg.Repo, build.Number, build)
		if err != nil {
			log.WithError(err).Error("failed to create stored build, leaving job retryable")
			return err
		}
	}
	if err := p.cfg.Store.UpdateFromAPI(ctx, sb, build, true); err != nil {
		log.WithError(err).Error("failed to persist build snapshot, leaving job retryable")
		return err
	}

	// 6. Analyze.
	var allDescriptions []string
	var author notify.User
	if user != nil {
		author = notify.User{GithubLogin: user.GithubLogin, OptedIn: user.OptedIn}
	} else {
		author = notify.User{GithubLogin: build.AuthorLogin}
	}

	for _, stage := range build.FailedStages() {
		for _, step := range stage.Steps {
			if step.IsSkipped() {
				continue
			}
			analysisCtx := &domain.AnalysisContext{Build: build, Stage: stage, Step: step}
			result := p.cfg.RuleSet.Apply(analysisCtx)

			if result.CancelationRequested {
				log.WithField("stage", stage.Name).WithField("step", step.Name).
					Warn("rule requested build cancelation; no cancel transport is wired, logging only")
			}

			descriptions := result.Descriptions()
			if len(descriptions) == 0 {
				continue
			}
			allDescriptions = append(allDescriptions, descriptions...)

			if p.cfg.Metrics != nil {
				for _, fired := range result.Fired {
					p.cfg.Metrics.RecordRuleMatch(fired.Rule.Name, string(fired.Rule.Action))
				}
			}

			if err := p.cfg.Notifier.Notify(ctx, author, analysisCtx, descriptions); err != nil {
				log.WithError(err).Warn("notification delivery failed")
			}
		}
	}

	if err := p.cfg.Store.UpdateMatches(ctx, sb, allDescriptions); err != nil {
		log.WithError(err).Error("failed to persist matches, leaving job retryable")
		return err
	}

	if len(allDescriptions) > 0 && p.cfg.SearchIndex != nil {
		if err := p.cfg.SearchIndex.Index(ctx, sb.ToDocument()); err != nil {
			log.WithError(err).Warn("search index publish failed, swallowing")
		}
	}

	if p.cfg.Bus != nil && allStagesTerminal(build) {
		p.cfg.Bus.Publish(ctx, eventbus.SignalBuildCompleted, build)
	}

	return nil
}

func allStagesTerminal(build *domain.Build) bool {
	for _, stage := range build.Stages {
		if !domain.StatusTerminal(stage.Status) {
			return false
		}
	}
	return true
}
