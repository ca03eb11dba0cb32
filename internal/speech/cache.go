package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"intake-assistant/internal/observability"
)

// Cache memoizes synthesized audio by normalized text.  Concurrent requests
// for the same phrase share one synthesis.  When full, the oldest entry is
// dropped.
type Cache struct {
	synth   Synthesizer
	max     int
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string][]byte
	order   []string

	group singleflight.Group
}

// NewCache wraps synth with a cache holding at most max phrases.
func NewCache(synth Synthesizer, max int, metrics *observability.Metrics) *Cache {
	if max <= 0 {
		max = 100
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Cache{
		synth:   synth,
		max:     max,
		metrics: metrics,
		entries: make(map[string][]byte),
	}
}

// Normalize lowercases text, trims it and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key is the cache key for text.  It is safe to use in a URL path.
func Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:16])
}

// AudioPath is the path the HTTP server serves a cached phrase on.
func AudioPath(key string) string {
	return "/api/audio/" + key + ".mp3"
}

// Synthesize returns the cache key for text, synthesizing it on a miss.
func (c *Cache) Synthesize(ctx context.Context, text string) (string, error) {
	key := Key(text)
	if _, ok := c.Get(key); ok {
		c.metrics.TTSRequests.WithLabelValues("hit").Inc()
		return key, nil
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		if audio, ok := c.Get(key); ok {
			return audio, nil
		}
		audio, err := c.synth.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		c.put(key, audio)
		return audio, nil
	})
	if err != nil {
		c.metrics.TTSRequests.WithLabelValues("error").Inc()
		return "", err
	}
	c.metrics.TTSRequests.WithLabelValues("miss").Inc()
	return key, nil
}

// Get returns cached audio by key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	audio, ok := c.entries[key]
	return audio, ok
}

// Prewarm synthesizes phrases ahead of time.  It stops at the first error.
func (c *Cache) Prewarm(ctx context.Context, phrases ...string) error {
	for _, p := range phrases {
		if _, err := c.Synthesize(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of cached phrases.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) put(key string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[key] = audio
	c.order = append(c.order, key)
}
