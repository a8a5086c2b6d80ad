// Package scrapers implements the per-source lead collectors.
package scrapers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// maxSearchPageSize is the largest page the Custom Search API serves.
const maxSearchPageSize = 10

// Query is one page of a web search.
type Query struct {
	Terms string
	// Start is the 1-based index of the first result.
	Start int
	Num   int
}

// Hit is one search result.
type Hit struct {
	Title       string
	Link        string
	Snippet     string
	DisplayLink string
}

// Searcher runs a web search with a single API key. Callers pass the key
// handed out by the job's rotator.
type Searcher interface {
	Search(ctx context.Context, key string, q Query) ([]Hit, error)
}

// CustomSearch queries the Programmable Search Engine API. One service is
// kept per API key.
type CustomSearch struct {
	engineID string
	endpoint string

	mu       sync.Mutex
	services map[string]*customsearch.Service
}

// NewCustomSearch returns a Searcher for engineID. endpoint overrides the
// API base URL and is normally empty.
func NewCustomSearch(engineID, endpoint string) (*CustomSearch, error) {
	if strings.TrimSpace(engineID) == "" {
		return nil, errors.New("customsearch: engine id is required")
	}
	return &CustomSearch{
		engineID: engineID,
		endpoint: endpoint,
		services: make(map[string]*customsearch.Service),
	}, nil
}

// Search returns one page of hits. API errors are returned unwrapped enough
// for the rotator to classify quota failures.
func (c *CustomSearch) Search(ctx context.Context, key string, q Query) ([]Hit, error) {
	svc, err := c.service(ctx, key)
	if err != nil {
		return nil, err
	}
	num := q.Num
	if num <= 0 || num > maxSearchPageSize {
		num = maxSearchPageSize
	}
	call := svc.Cse.List().Cx(c.engineID).Q(q.Terms).Num(int64(num)).Context(ctx)
	if q.Start > 1 {
		call = call.Start(int64(q.Start))
	}
	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("customsearch: %w", err)
	}
	hits := make([]Hit, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil || item.Link == "" {
			continue
		}
		hits = append(hits, Hit{
			Title:       item.Title,
			Link:        item.Link,
			Snippet:     item.Snippet,
			DisplayLink: item.DisplayLink,
		})
	}
	return hits, nil
}

func (c *CustomSearch) service(ctx context.Context, key string) (*customsearch.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[key]; ok {
		return svc, nil
	}
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	// The service outlives the request; ctx only scopes construction.
	svc, err := customsearch.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("customsearch: new service: %w", err)
	}
	c.services[key] = svc
	return svc, nil
}
