package worker

import (
	"context"
	"sort"
	"sync"
)

// conflictLocks serializes jobs on the same target whose scanners share a
// conflict group.
type conflictLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (c *conflictLocks) lock(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]chan struct{}{}
	}
	ch, ok := c.m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		c.m[key] = ch
	}
	return ch
}

// acquire takes every group lock for target in sorted order, so two jobs
// with overlapping groups cannot deadlock. On ctx expiry nothing is held.
func (c *conflictLocks) acquire(ctx context.Context, target string, groups []string) (release func(), err error) {
	keys := make([]string, 0, len(groups))
	seen := map[string]struct{}{}
	for _, g := range groups {
		if _, ok := seen[g]; ok || g == "" {
			continue
		}
		seen[g] = struct{}{}
		keys = append(keys, target+"\x00"+g)
	}
	sort.Strings(keys)

	held := make([]chan struct{}, 0, len(keys))
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, k := range keys {
		ch := c.lock(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return func() {}, ctx.Err()
		}
	}
	return release, nil
}
