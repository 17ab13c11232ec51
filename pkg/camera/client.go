// Package camera fetches still frames from a camera endpoint and
// maintains the per-day snapshot directories attached to reports.
package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ImageClient fetches one still frame.
type ImageClient interface {
	FetchImage(ctx context.Context) ([]byte, error)
}

type FetchError struct {
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("camera snapshot status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient requests JPEG frames from {base_url}/snapshot.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	resource string
	client   *http.Client
}

func NewHTTPClient(baseURL, apiKey, resource string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:   strings.TrimSpace(apiKey),
		resource: resource,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) FetchImage(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path.Join(u.Path, "/snapshot")
	q := u.Query()
	q.Set("resource", c.resource)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "image/jpeg")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	return io.ReadAll(resp.Body)
}
