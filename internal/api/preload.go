package api

import (
	"context"
	"sort"
	"strings"

	"github.com/dara-platform/dara-go/internal/cache"
)

// Preloader prefetches route data ahead of navigation. Results live in a
// single-use cache keyed by route and params: the navigation that consumes a
// preload owns it, and a second navigation to the same target recomputes.
type Preloader struct {
	client *Client
	cache  *cache.SingleUse[*RouteData]
}

// NewPreloader creates a preloader with the default cache window.
func NewPreloader(client *Client) *Preloader {
	return &Preloader{
		client: client,
		cache:  cache.New[*RouteData](0),
	}
}

// PreloadKey derives the cache key for a navigation target. Params are
// serialized in sorted order so equal targets always collide.
func PreloadKey(routeID string, params map[string]string) string {
	if len(params) == 0 {
		return routeID
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(routeID)
	for _, k := range keys {
		b.WriteByte('?')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Preload starts (or joins) a prefetch for the target. Concurrent calls for
// the same target share one in-flight fetch.
func (p *Preloader) Preload(ctx context.Context, req RouteRequest, params map[string]string) *RouteData {
	return p.cache.SetIfMissing(PreloadKey(req.RouteID, params), func() *RouteData {
		return p.client.FetchRouteData(ctx, req)
	})
}

// Take consumes a preloaded result if one is still fresh. A miss means the
// caller should fetch directly.
func (p *Preloader) Take(routeID string, params map[string]string) (*RouteData, bool) {
	return p.cache.Get(PreloadKey(routeID, params))
}
