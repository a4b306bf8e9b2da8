// Package netstat keeps a best-effort view of per-interface network
// throughput, refreshed in the background and read by every scrape.
package netstat

import "sync"

// NotAvailable is the sentinel a feed reports for an unmeasurable value.
const NotAvailable = "n/a"

// Entry is one device's throughput pair as reported by the feed, in KB/s.
// Values are kept verbatim and may be NotAvailable.
type Entry struct {
	Device string
	In     string
	Out    string
}

// Table is the measurement table shared between a sampler and the scrape
// handlers. Its contents are only ever swapped whole, so a reader sees either
// the previous or the next complete set of entries.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewTable() *Table {
	return &Table{}
}

// Replace publishes entries as the new table contents, dropping every device
// not present in entries.
func (t *Table) Replace(entries []Entry) {
	next := make([]Entry, len(entries))
	copy(next, entries)

	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
}

func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// Snapshot returns a copy of the current entries in feed order.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
