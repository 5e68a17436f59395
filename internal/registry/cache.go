package registry

import (
	"fmt"
	"sync"
	"time"
)

// Record is the value stored in the registration cache for one gateway URI.
type Record struct {
	Username string
	Host     string
	IP       string // resolved address of Host at registration time, "" if unresolved
	Expires  int    // effective lifetime in seconds; see Registrar.storeRegistration
	RegisteredOn time.Time
}

// RegisteredAgo returns a human-friendly relative description of when the
// record was written, for diagnostics.
func (r Record) RegisteredAgo() string {
	return fmt.Sprintf("%s ago", time.Since(r.RegisteredOn).Round(time.Second))
}

type cacheEntry struct {
	record    Record
	writtenAt time.Time
}

// Cache is the registration cache: a write-expiring map from gateway URI to
// registration record. Two timers coexist and must stay independent: the
// write-expiry evicts entries a fixed interval after the last Put, bounding
// retention for dead gateways; the record's own Expires field drives
// IsExpired and the control loop.
type Cache struct {
	writeExpiry time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time
}

// NewCache creates a cache whose entries evict writeExpiry after their last write.
func NewCache(writeExpiry time.Duration) *Cache {
	return &Cache{
		writeExpiry: writeExpiry,
		entries:     make(map[string]cacheEntry),
		now:         time.Now,
	}
}

// Put inserts or replaces the record for uri and resets its write-expiry.
func (c *Cache) Put(uri string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uri] = cacheEntry{record: rec, writtenAt: c.now()}
}

// GetIfPresent returns the current record for uri. Entries past their
// write-expiry are reaped here and report absent.
func (c *Cache) GetIfPresent(uri string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[uri]
	if !ok {
		return Record{}, false
	}
	if c.now().Sub(entry.writtenAt) >= c.writeExpiry {
		delete(c.entries, uri)
		return Record{}, false
	}
	return entry.record, true
}

// Invalidate removes the entry for uri immediately.
func (c *Cache) Invalidate(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uri)
}

// Snapshot returns a copy of all live records. Order is unspecified.
func (c *Cache) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	records := make([]Record, 0, len(c.entries))
	for uri, entry := range c.entries {
		if now.Sub(entry.writtenAt) >= c.writeExpiry {
			delete(c.entries, uri)
			continue
		}
		records = append(records, entry.record)
	}
	return records
}

// IsExpired reports whether uri needs (re-)registration: true when no entry
// exists or when the record's age has reached its effective lifetime. Absence
// and expiry are indistinguishable on purpose; both trigger a REGISTER.
func (c *Cache) IsExpired(uri string) bool {
	rec, ok := c.GetIfPresent(uri)
	if !ok {
		return true
	}
	if rec.Expires <= 0 {
		return true
	}
	return c.now().Sub(rec.RegisteredOn) >= time.Duration(rec.Expires)*time.Second
}
