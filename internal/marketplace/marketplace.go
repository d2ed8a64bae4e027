// Package marketplace implements the listing search providers polled by the worker.
package marketplace

import (
	"context"
	"fmt"
	"net/http"

	"market_watch/internal/filter"
	"market_watch/internal/model"
)

// Provider searches the marketplace for listings matching q.
// Implementations must fail loudly on upstream auth and quota errors.
type Provider interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// Query carries the search parameters of one monitor.
type Query struct {
	Keywords         []string
	ExcludedKeywords []string
	MinPrice         *float64
	MaxPrice         *float64
	Conditions       []string
	Sellers          []string
}

// QueryFor builds the search query of m.
func QueryFor(m *model.Monitor) Query {
	return Query{
		Keywords:         m.Keywords,
		ExcludedKeywords: m.ExcludedKeywords,
		MinPrice:         m.MinPrice,
		MaxPrice:         m.MaxPrice,
		Conditions:       m.Conditions,
		Sellers:          m.Sellers,
	}
}

// Criteria returns the client-side matching criteria of q, for providers
// that cannot filter upstream.
func (q Query) Criteria() filter.Criteria {
	return filter.Criteria{
		Keywords:   q.Keywords,
		Excluded:   q.ExcludedKeywords,
		MinPrice:   q.MinPrice,
		MaxPrice:   q.MaxPrice,
		Conditions: q.Conditions,
		Sellers:    q.Sellers,
	}
}

// Result is one page of search results.
type Result struct {
	Items []model.Item
	Total int
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when the upstream answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the upstream rejected the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Throttled reports whether the upstream rate limited the call.
func (e *StatusError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
