package httputil

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/r3e-network/drone-analyzer/infrastructure/runtime"
)

// BaseURLOptions configures NormalizeBaseURL.
type BaseURLOptions struct {
	// RequireHTTPSInProduction enforces https URLs whenever the process is
	// running in the production environment.
	RequireHTTPSInProduction bool
}

// NormalizeBaseURL normalizes and validates a base URL used for outbound
// calls to the Drone API (or any other external service).
//
// It trims whitespace, removes trailing slashes, validates scheme/host,
// disallows user info, and optionally enforces https in production.
func NormalizeBaseURL(raw string, opts BaseURLOptions) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}
	if opts.RequireHTTPSInProduction && runtime.IsProduction() && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https in production")
	}

	return baseURL, parsed, nil
}

// NormalizeServiceBaseURL is the standard normalization used by the Drone API
// client. It enforces https in production.
func NormalizeServiceBaseURL(raw string) (string, *url.URL, error) {
	return NormalizeBaseURL(raw, BaseURLOptions{RequireHTTPSInProduction: true})
}
