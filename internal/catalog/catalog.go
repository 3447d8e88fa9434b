// Package catalog caches the upstream model list and annotates it with
// per-model capability hints.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gateway-proxy/internal/keypool"
	"gateway-proxy/internal/providers"
)

// emptyList is served when no data has ever been fetched.
const emptyList = `{"object":"list","data":[]}`

// Catalog fetches /v1/models from the gateway with a pooled credential and
// serves it from a TTL cache. Stale data is served when the upstream or
// the pool is unavailable.
type Catalog struct {
	mu        sync.Mutex
	client    *http.Client
	baseURL   string
	pool      *keypool.Pool
	ttl       time.Duration
	now       func() time.Time
	data      []byte
	fetchedAt time.Time
}

// New constructs a catalog. The clock is injectable for tests via SetClock.
func New(client *http.Client, baseURL string, pool *keypool.Pool, ttl time.Duration) *Catalog {
	return &Catalog{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		pool:    pool,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the catalog's time source.
func (c *Catalog) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// List returns the (possibly cached) model list, optionally filtered by
// provider. refresh bypasses the TTL check.
func (c *Catalog) List(ctx context.Context, provider string, refresh bool) ([]byte, error) {
	c.mu.Lock()
	cached := c.data
	fresh := cached != nil && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.Unlock()

	data := cached
	if refresh || !fresh {
		fetched, err := c.fetch(ctx)
		if err != nil {
			if cached == nil {
				slog.Warn("model list unavailable", "err", err)
				data = []byte(emptyList)
			} else {
				slog.Warn("model list fetch failed, serving cached data", "err", err)
			}
		} else {
			data = fetched
			c.mu.Lock()
			c.data = fetched
			c.fetchedAt = c.now()
			c.mu.Unlock()
		}
	}

	if provider == "" {
		return data, nil
	}
	return filterByProvider(data, provider), nil
}

func (c *Catalog) fetch(ctx context.Context) ([]byte, error) {
	credential, err := c.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("no credential for model list: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("construct model list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("model list response is not valid JSON")
	}

	return annotate(body), nil
}

// annotate stamps every model entry with the detected provider and whether
// the gateway will honor thinking directives for it.
func annotate(body []byte) []byte {
	entries := gjson.GetBytes(body, "data")
	if !entries.IsArray() {
		return body
	}

	out := body
	for i, entry := range entries.Array() {
		id := entry.Get("id").String()
		prefix := fmt.Sprintf("data.%d.gateway.", i)
		out, _ = sjson.SetBytes(out, prefix+"provider", string(providers.Detect(id)))
		out, _ = sjson.SetBytes(out, prefix+"thinking", providers.SupportsThinking(id))
	}
	return out
}

// filterByProvider keeps entries whose id carries the provider prefix or
// whose owned_by names the provider.
func filterByProvider(body []byte, provider string) []byte {
	out := []byte(emptyList)
	for _, entry := range gjson.GetBytes(body, "data").Array() {
		id := entry.Get("id").String()
		if strings.HasPrefix(id, provider+"/") || entry.Get("owned_by").String() == provider {
			out, _ = sjson.SetRawBytes(out, "data.-1", []byte(entry.Raw))
		}
	}
	return out
}
