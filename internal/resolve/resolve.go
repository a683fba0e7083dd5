// Package resolve queries the remote version-check endpoint for the latest
// image reference of the managed application.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoImage means the endpoint answered but named no image.
var ErrNoImage = errors.New("version endpoint returned no image")

const maxBodyBytes = 1 << 20

// Release is the version-check response body.
type Release struct {
	Success       bool   `json:"success"`
	LatestVersion string `json:"latest_version"`
	Image         string `json:"image"`
	ReleaseNotes  string `json:"release_notes,omitempty"`
	ReleaseDate   string `json:"release_date,omitempty"`
}

// HTTPResolver resolves the target image over HTTP.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
	}
}

// Resolve returns the image named by the endpoint. A missing or empty image
// field is ErrNoImage regardless of the success flag.
func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	rel, err := r.Latest(ctx)
	if err != nil {
		return "", err
	}
	img := strings.TrimSpace(rel.Image)
	if img == "" {
		return "", ErrNoImage
	}
	return img, nil
}

// Latest fetches and decodes the full release description.
func (r *HTTPResolver) Latest(ctx context.Context) (Release, error) {
	if r.endpoint == "" {
		return Release{}, errors.New("version endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return Release{}, fmt.Errorf("build version request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("query version endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Release{}, fmt.Errorf("read version response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("version endpoint returned %s", resp.Status)
	}

	var rel Release
	if err := json.Unmarshal(body, &rel); err != nil {
		return Release{}, fmt.Errorf("decode version response: %w", err)
	}
	return rel, nil
}
