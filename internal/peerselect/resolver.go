package peerselect

import (
	"context"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver resolves a hostname to candidate addresses for the DNS
// resolution step of spec.md §4.3 step 6. The underlying asynchronous
// mechanism (Dns::nbgethostbyname) is out of scope per spec.md §1; this
// is the selector's own resolution step, which the spec does not scope
// out.
type Resolver interface {
	LookupHost(ctx context.Context, hostname string) ([]net.IP, error)
}

// netResolver wraps net.Resolver as the default Resolver.
type netResolver struct {
	r *net.Resolver
}

func (n netResolver) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	return n.r.LookupIP(ctx, "ip", hostname)
}

// CachingResolver adds a positive-result LRU cache in front of a
// Resolver, grounded on the lookup-cache pattern used throughout
// _examples/dep2p-go-dep2p for its DHT/peerstore lookups.
type CachingResolver struct {
	inner Resolver
	cache *lru.Cache[string, []net.IP]
}

// NewCachingResolver builds a CachingResolver over inner (or the
// default net.Resolver if nil) with up to size cached hostnames.
func NewCachingResolver(inner Resolver, size int) *CachingResolver {
	if inner == nil {
		inner = netResolver{r: net.DefaultResolver}
	}
	c, _ := lru.New[string, []net.IP](size)
	return &CachingResolver{inner: inner, cache: c}
}

func (c *CachingResolver) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	if ips, ok := c.cache.Get(hostname); ok {
		return ips, nil
	}
	ips, err := c.inner.LookupHost(ctx, hostname)
	if err != nil {
		return nil, err
	}
	c.cache.Add(hostname, ips)
	return ips, nil
}
