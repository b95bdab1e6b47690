// Package notify defines the abstract notification sink the build processor
// hands matched rule results to, plus one concrete Slack implementation.
package notify

import (
	"context"

	"github.com/r3e-network/drone-analyzer/internal/domain"
)

// User identifies the build author a notification concerns.
type User struct {
	GithubLogin string
	OptedIn     bool
}

// Notifier delivers a rendered notification for a set of matched rules. A
// notifier that fails surfaces the error to the processor, which logs and
// continues — it never aborts build processing.
type Notifier interface {
	Notify(ctx context.Context, user User, analysisCtx *domain.AnalysisContext, matches []string) error
}
