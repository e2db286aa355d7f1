package market

import "context"

// FetchRequest describes one page of remote bars.
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // unix ms
	End      int64 // unix ms; 0 means open-ended
	Limit    int
}

// Fetcher pulls raw pages from an exchange. The bar store uses it to fill local gaps.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Bar, error)
	Name() string
}
