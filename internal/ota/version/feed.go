package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Release is one published release from the version-check feed. Ephemeral:
// re-fetched every check cycle, never persisted.
type Release struct {
	Version string
	Assets  []Asset
}

// Asset is one downloadable package in a release.
type Asset struct {
	Name    string
	URL     string
	Digest  string // "sha256:<hex>", empty when the feed omits it
	Version string // parsed from the asset filename
}

// The feed speaks the GitHub releases API shape; the fleet release tooling
// mirrors it for air-gapped deployments.
type wireRelease struct {
	TagName string      `json:"tag_name"`
	Assets  []wireAsset `json:"assets"`
}

type wireAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest"`
}

// FeedSource yields the latest published release.
type FeedSource interface {
	Latest(ctx context.Context) (*Release, error)
}

// Feed fetches releases from a configured HTTP endpoint.
type Feed struct {
	url    string
	client *http.Client
}

func NewFeed(url string, timeout time.Duration) *Feed {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Feed{url: url, client: &http.Client{Timeout: timeout}}
}

func (f *Feed) Latest(ctx context.Context) (*Release, error) {
	if f.url == "" {
		return nil, fmt.Errorf("version check URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "skylark-launcher")
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if token := os.Getenv("RELEASE_FEED_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %s", resp.Status)
	}

	var wire wireRelease
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode release feed: %w", err)
	}

	rel := &Release{Version: strings.TrimPrefix(wire.TagName, "v")}
	for _, a := range wire.Assets {
		rel.Assets = append(rel.Assets, Asset{
			Name:    a.Name,
			URL:     a.BrowserDownloadURL,
			Digest:  a.Digest,
			Version: assetVersion(a.Name),
		})
	}
	return rel, nil
}

// assetVersion extracts the version segment from a package filename of the
// form <package>_<version>_<arch>.<ext>. Falls back to empty when the name
// does not follow the convention.
func assetVersion(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// AssetFor returns the release asset for the given package name, preferring
// names that also contain the source filter (e.g. an arch or channel tag).
func (r *Release) AssetFor(pkg, sourceFilter string) *Asset {
	var fallback *Asset
	for i := range r.Assets {
		a := &r.Assets[i]
		if !strings.HasPrefix(a.Name, pkg+"_") && a.Name != pkg {
			continue
		}
		if sourceFilter == "" || strings.Contains(a.Name, sourceFilter) {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback
}
