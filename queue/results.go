package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// resultTable correlates command ids with completed commands. The
// worker is the only writer; any caller thread may take entries.
type resultTable[E any] struct {
	mu      sync.Mutex
	entries map[int64]Command[E]
}

func newResultTable[E any]() *resultTable[E] {
	return &resultTable[E]{entries: make(map[int64]Command[E])}
}

func (t *resultTable[E]) put(c Command[E]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[c.ID()]; ok {
		return fmt.Errorf("duplicate result for command %d", c.ID())
	}
	t.entries[c.ID()] = c
	return nil
}

// take removes and returns the entry for id. Each result is observed
// by exactly one caller.
func (t *resultTable[E]) take(id int64) (Command[E], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return c, ok
}

func (t *resultTable[E]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// prune evicts entries older than ttl and, if the table still holds
// more than max entries, the oldest beyond that cap. Non-retrieved
// results would otherwise accumulate forever. Calling with both
// thresholds zero clears the table entirely; only ClearResults does
// that, since Add substitutes defaults for zero-valued config.
func (t *resultTable[E]) prune(ttl time.Duration, max int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ttl == 0 && max == 0 {
		t.entries = make(map[int64]Command[E])
		return
	}
	now := time.Now().UTC()
	if ttl > 0 {
		for id, c := range t.entries {
			if now.Sub(c.Created()) > ttl {
				delete(t.entries, id)
			}
		}
	}
	if max > 0 && len(t.entries) > max {
		// Evict oldest first until back under the cap.
		type aged struct {
			id      int64
			created time.Time
		}
		all := make([]aged, 0, len(t.entries))
		for id, c := range t.entries {
			all = append(all, aged{id, c.Created()})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
		for _, a := range all[:len(all)-max] {
			delete(t.entries, a.id)
		}
	}
}
