package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hunter-volkman/stock-report/pkg/bucket"
	"github.com/hunter-volkman/stock-report/pkg/metrics"
)

// DefaultPageSize matches the query API's maximum page size.
const DefaultPageSize = 1000

// Fetcher retrieves complete export windows by driving a QueryClient
// page by page with fixed skip/limit offsets.
type Fetcher struct {
	Client   QueryClient
	OrgID    string
	Resource string
	PageSize int
}

// FetchAll returns every record in [start, end) ascending by time
// received. The skip offset advances by the page size, not the returned
// count, so a short page is treated as end-of-data and no further page
// is requested. Any page error aborts the whole fetch with a FetchError
// and no partial results.
func (f *Fetcher) FetchAll(ctx context.Context, start, end time.Time) ([]bucket.RawRecord, error) {
	limit := f.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var records []bucket.RawRecord
	for skip := 0; ; skip += limit {
		page, err := f.Client.FetchPage(ctx, PageQuery{
			OrgID:         f.OrgID,
			Resource:      f.Resource,
			Start:         start,
			End:           end,
			Skip:          skip,
			Limit:         limit,
			SortAscending: true,
		})
		if err != nil {
			return nil, wrapFetchError(f.Resource, err)
		}
		metrics.PagesFetched.Inc()
		metrics.RecordsFetched.Add(float64(len(page)))
		slog.Debug("telemetry page fetched", "resource", f.Resource, "skip", skip, "count", len(page))
		records = append(records, page...)
		if len(page) < limit {
			break
		}
	}
	slog.Info("telemetry fetch complete",
		"resource", f.Resource,
		"start", start.UTC().Format(time.RFC3339),
		"end", end.UTC().Format(time.RFC3339),
		"records", len(records))
	return records, nil
}

func wrapFetchError(resource string, err error) error {
	if _, ok := err.(*FetchError); ok {
		return err
	}
	return &FetchError{Resource: resource, Err: err}
}
