// Package telemetry talks to the remote time-series query API and
// drives it page by page to retrieve complete export windows.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/hunter-volkman/stock-report/pkg/bucket"
)

// PageQuery is one page request against the query API. Start is
// inclusive, End exclusive.
type PageQuery struct {
	OrgID         string
	Resource      string
	Start         time.Time
	End           time.Time
	Skip          int
	Limit         int
	SortAscending bool
}

// QueryClient is the remote query surface the fetcher drives. The HTTP
// client below is the production implementation; tests substitute fakes.
type QueryClient interface {
	FetchPage(ctx context.Context, q PageQuery) ([]bucket.RawRecord, error)
}

// FetchError wraps any failure during paged retrieval. The fetch is
// aborted on the first error; accumulated pages are discarded.
type FetchError struct {
	Resource   string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d: %s", e.Resource, e.StatusCode, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client queries the telemetry API over HTTP with bearer-token auth.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type queryRequest struct {
	OrgID    string `json:"org_id"`
	Resource string `json:"resource"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Skip     int    `json:"skip"`
	Limit    int    `json:"limit"`
	SortAsc  bool   `json:"sort_asc"`
}

type queryResponse struct {
	Items []struct {
		TimeReceived iso8601.Time       `json:"time_received"`
		Readings     map[string]float64 `json:"readings"`
	} `json:"items"`
}

func (c *Client) FetchPage(ctx context.Context, q PageQuery) ([]bucket.RawRecord, error) {
	payload, err := json.Marshal(queryRequest{
		OrgID:    q.OrgID,
		Resource: q.Resource,
		Start:    q.Start.UTC().Format(time.RFC3339Nano),
		End:      q.End.UTC().Format(time.RFC3339Nano),
		Skip:     q.Skip,
		Limit:    q.Limit,
		SortAsc:  q.SortAscending,
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/data/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &FetchError{
			Resource:   q.Resource,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	records := make([]bucket.RawRecord, 0, len(out.Items))
	for _, item := range out.Items {
		records = append(records, bucket.RawRecord{
			TimeReceived: item.TimeReceived.Time.UTC(),
			Readings:     item.Readings,
		})
	}
	return records, nil
}
