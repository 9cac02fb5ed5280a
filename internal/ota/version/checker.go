package version

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DecisionKind classifies the outcome of one eligibility check.
type DecisionKind string

const (
	UpToDate        DecisionKind = "UpToDate"
	UpdateAvailable DecisionKind = "UpdateAvailable"
	CheckFailed     DecisionKind = "CheckFailed"
)

// Decision is the version oracle's verdict for one service.
type Decision struct {
	Kind    DecisionKind
	Version string // candidate version when Kind == UpdateAvailable
	Asset   *Asset // matching release asset, nil otherwise
	Reason  error  // set when Kind == CheckFailed
}

// Checker compares installed versions against the release feed.
type Checker struct {
	feed           FeedSource
	allowDowngrade bool
	sourceFilter   string
}

func NewChecker(feed FeedSource, allowDowngrade bool, sourceFilter string) *Checker {
	return &Checker{feed: feed, allowDowngrade: allowDowngrade, sourceFilter: sourceFilter}
}

// Check fetches the latest release and decides eligibility for one package.
func (c *Checker) Check(ctx context.Context, pkg, installed string) Decision {
	rel, err := c.feed.Latest(ctx)
	if err != nil {
		return Decision{Kind: CheckFailed, Reason: err}
	}
	return c.Decide(rel, pkg, installed)
}

// Decide applies the eligibility rule against an already-fetched release:
// candidate > installed, or candidate != installed when downgrades are
// allowed. Equal versions are never eligible.
func (c *Checker) Decide(rel *Release, pkg, installed string) Decision {
	asset := rel.AssetFor(pkg, c.sourceFilter)
	if asset == nil {
		return Decision{Kind: UpToDate}
	}
	candidate := asset.Version
	if candidate == "" {
		candidate = rel.Version
	}

	eligible, err := Eligible(candidate, installed, c.allowDowngrade)
	if err != nil {
		return Decision{Kind: CheckFailed, Reason: err}
	}
	if !eligible {
		return Decision{Kind: UpToDate}
	}
	return Decision{Kind: UpdateAvailable, Version: candidate, Asset: asset}
}

// Eligible reports whether candidate may replace installed under strict
// semantic-version ordering.
func Eligible(candidate, installed string, allowDowngrade bool) (bool, error) {
	cand, err := parse(candidate)
	if err != nil {
		return false, fmt.Errorf("bad candidate version %q: %w", candidate, err)
	}
	cur, err := parse(installed)
	if err != nil {
		return false, fmt.Errorf("bad installed version %q: %w", installed, err)
	}
	if allowDowngrade {
		return !cand.Equal(cur), nil
	}
	return cand.GreaterThan(cur), nil
}

func parse(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(v), "v"))
}
