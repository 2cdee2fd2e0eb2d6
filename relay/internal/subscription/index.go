// Package subscription keeps the standing interest edges "subscriber wants
// target's broadcasts".
package subscription

import (
	"sort"
	"sync"
)

// Index maps each target to the set of its subscribers. Empty sets are
// deleted.
type Index struct {
	mu       sync.RWMutex
	byTarget map[string]map[string]struct{}
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{byTarget: make(map[string]map[string]struct{})}
}

// Subscribe adds subscriber to every target's set and returns the targets
// processed, in order with duplicates removed. Subscribing twice is a no-op.
func (x *Index) Subscribe(subscriber string, targets []string) []string {
	processed := dedupe(targets)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, target := range processed {
		subs, ok := x.byTarget[target]
		if !ok {
			subs = make(map[string]struct{})
			x.byTarget[target] = subs
		}
		subs[subscriber] = struct{}{}
	}
	return processed
}

// Unsubscribe removes subscriber from every target's set and returns the
// targets processed. Removing a missing edge is a no-op.
func (x *Index) Unsubscribe(subscriber string, targets []string) []string {
	processed := dedupe(targets)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, target := range processed {
		x.removeLocked(target, subscriber)
	}
	return processed
}

// SubscribersOf returns the sorted subscribers of target.
func (x *Index) SubscribersOf(target string) []string {
	x.mu.RLock()
	subs := x.byTarget[target]
	out := make([]string, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	x.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SubscriptionsOf returns the sorted targets identity subscribes to.
func (x *Index) SubscriptionsOf(identity string) []string {
	x.mu.RLock()
	var out []string
	for target, subs := range x.byTarget {
		if _, ok := subs[identity]; ok {
			out = append(out, target)
		}
	}
	x.mu.RUnlock()
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// Cleanup removes identity as a subscriber everywhere and discards its own
// subscriber set. It returns the number of edges removed and is idempotent.
func (x *Index) Cleanup(identity string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	removed := len(x.byTarget[identity])
	delete(x.byTarget, identity)
	for target, subs := range x.byTarget {
		if _, ok := subs[identity]; ok {
			removed++
			x.removeLocked(target, identity)
		}
	}
	return removed
}

// Edges returns the total number of subscription edges.
func (x *Index) Edges() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, subs := range x.byTarget {
		n += len(subs)
	}
	return n
}

func (x *Index) removeLocked(target, subscriber string) {
	subs, ok := x.byTarget[target]
	if !ok {
		return
	}
	delete(subs, subscriber)
	if len(subs) == 0 {
		delete(x.byTarget, target)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
