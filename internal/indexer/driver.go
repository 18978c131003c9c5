package indexer

import (
	"context"
	"time"
)

// PageRef is one candidate URL discovered by a Driver, prior to any
// fetch — enough to decide whether a full fetch is warranted.
type PageRef struct {
	URL     string
	Lastmod time.Time
}

// PageHead is the cheap HEAD/GET-derived fingerprint of a page, used for
// the delta algorithm's change detection (§4.5 step 2-3) without paying
// for a full fetch.
type PageHead struct {
	PageHash string
	ETag     string
	Lastmod  time.Time
}

// Page is the fully-fetched content of a page (§4.5 step 4).
type Page struct {
	URL      string
	Content  string
	ETag     string
	Lastmod  time.Time
	Locale   string
}

// Driver is the Crawl Driver interface (§4.6's "HTML parsing, browser-driven
// rendering, robots/sitemap fetching" boundary): the spec specifies this
// interface but explicitly leaves its implementation out of scope (§1
// Non-goals — "the Crawler Driver interface is specified; its
// implementation is not"). The indexer and crawl orchestrator depend only
// on this interface.
type Driver interface {
	// DiscoverURLs enumerates candidate URLs for a site via sitemap and
	// any other site-provided discovery mechanism.
	DiscoverURLs(ctx context.Context, siteID string) ([]PageRef, error)

	// FetchHead retrieves a page's cheap fingerprint without its body.
	FetchHead(ctx context.Context, url string) (PageHead, error)

	// FetchContent retrieves a page's full content.
	FetchContent(ctx context.Context, url string) (Page, error)
}
