package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3e-network/drone-analyzer/infrastructure/errors"
	"github.com/r3e-network/drone-analyzer/infrastructure/resilience"
	"github.com/r3e-network/drone-analyzer/internal/domain"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

// SlackNotifier posts a minimal block message to a Slack incoming webhook.
// Grounded on workers/slack.py's notify function (header block naming the
// PR/owner/repo, stage/step sections, a divider, the log excerpt) and on
// services/automation's webhook dispatch idiom for the HTTP POST itself.
// Full Slack Block Kit composition is out of scope; this renders a fixed,
// minimal block layout.
//
// Webhook delivery is wrapped in a strict circuit breaker: one flaky
// notification shouldn't block analysis, so this fails fast rather than
// tying up a worker retrying a dead webhook.
type SlackNotifier struct {
	WebhookURL string
	HTTPClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewSlackNotifier builds a SlackNotifier posting to webhookURL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		HTTPClient: http.DefaultClient,
		breaker:    resilience.New(resilience.StrictServiceCBConfig(logger.NewDefault("slack-notifier"))),
	}
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

// Notify renders matches into a block message and posts it to the webhook.
func (n *SlackNotifier) Notify(ctx context.Context, user User, analysisCtx *domain.AnalysisContext, matches []string) error {
	payload := n.render(user, analysisCtx, matches)
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NotifyFailed("slack", err)
	}

	breaker := n.breaker
	if breaker == nil {
		breaker = resilience.New(resilience.StrictServiceCBConfig(nil))
	}

	callErr := breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		client := n.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		return nil
	})
	if callErr != nil {
		return errors.NotifyFailed("slack", callErr)
	}
	return nil
}

func (n *SlackNotifier) render(user User, analysisCtx *domain.AnalysisContext, matches []string) slackPayload {
	build := analysisCtx.Build
	header := "Build failed"
	if build != nil {
		header = fmt.Sprintf("Build failed for %s (build #%d)", build.Link, build.Number)
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header, Emoji: true}},
		{Type: "divider"},
	}

	if analysisCtx.Stage != nil {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Stage:* " + analysisCtx.Stage.Name}})
	}
	if analysisCtx.Step != nil {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Step:* " + analysisCtx.Step.Name}})
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*Log excerpt:*\n```" + analysisCtx.Step.Output.String() + "```"}})
	}

	blocks = append(blocks, slackBlock{Type: "divider"})
	for _, m := range matches {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: m}})
	}
	if user.GithubLogin != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "cc @" + user.GithubLogin}})
	}

	return slackPayload{Blocks: blocks}
}
