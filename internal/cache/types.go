package cache

import "context"

// Entry is the cached representation of one fetched resource.
type Entry struct {
	Body         string
	URL          string
	StatusCode   int
	ETag         string
	LastModified string

	// IsOfflineFallback is set only by Client when it serves an expired disk
	// entry because no fresher data could be obtained.
	IsOfflineFallback bool
}

// FetchResult is the raw outcome handed to the client by a fetch function.
type FetchResult struct {
	Body         string
	StatusCode   int
	ETag         string
	LastModified string

	// CacheControl is the origin's Cache-Control directive list, if any. It
	// is for classifiers only and is not stored.
	CacheControl string
}

// FetchFunc performs the actual network request for one CachedGet call.
//
// A nil result (with or without an error) means no result was obtainable.
// Errors other than context cancellation are treated the same way; a
// cancellation error is propagated to the CachedGet caller.
type FetchFunc func(ctx context.Context) (*FetchResult, error)

// Classifier decides whether a fetch outcome may be written to the cache.
type Classifier func(res *FetchResult) bool

// StatusOK is the default Classifier: only 2xx outcomes are cacheable.
func StatusOK(res *FetchResult) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}

// Kind selects which policy TTL applies to a lookup.
type Kind int

const (
	KindPage Kind = iota
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	default:
		return "page"
	}
}
