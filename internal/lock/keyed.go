// Package lock provides a table of mutexes keyed by user id.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key and drops it once no goroutine holds or
// waits on it, so the table only grows with concurrently active keys.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

// Lock blocks until the key's mutex is held and returns its release func.
func (t *Table) Lock(key int64) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
