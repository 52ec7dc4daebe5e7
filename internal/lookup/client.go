// Package lookup resolves the purpose and data service descriptions a
// privacy notice points at. Both are plain JSON documents served by
// external catalogs.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxDescriptionSize = 1 << 20 // 1MB

// ServiceDescription is the subset of a catalog entry the consent agent
// needs: who provides it and which category it belongs to.
type ServiceDescription struct {
	ProvidedBy string `json:"providedBy"`
	Category   string `json:"category"`
}

// Client fetches service descriptions over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		timeout:    10 * time.Second,
	}
}

// Fetch retrieves and decodes the service description at url.
func (c *Client) Fetch(ctx context.Context, url string) (ServiceDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ServiceDescription{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ServiceDescription{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ServiceDescription{}, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionSize))
	if err != nil {
		return ServiceDescription{}, fmt.Errorf("reading %s: %w", url, err)
	}

	var desc ServiceDescription
	if err := json.Unmarshal(body, &desc); err != nil {
		return ServiceDescription{}, fmt.Errorf("decoding %s: %w", url, err)
	}
	return desc, nil
}
