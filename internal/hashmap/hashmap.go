// Package hashmap implements the key-value index backing the server:
// an open-chaining hash table with incremental (progressive) rehashing,
// so that growing the table never costs more than a bounded amount of
// work on any single operation.
package hashmap

import (
	"bytes"

	"github.com/tinykv/tinykv/internal/constants"
)

const (
	initialTableLength  = constants.InitialTableLength
	loadFactorMax       = constants.LoadFactorMax
	migrationStepBudget = constants.MigrationStepBudget
)

// entry is a single key-value pair. The chain linkage (next) is
// embedded directly in the entry rather than held in a separate node
// object, so growing the map costs one allocation per key, not two.
type entry struct {
	key   []byte
	value []byte
	hash  uint64 // only the low 32 bits carry information
	next  *entry
}

// table is one of the HashMap's two inner tables: a bucket-head array
// whose length is always a power of two (or zero, meaning unallocated).
type table struct {
	buckets []*entry
	mask    uint64
	count   int
}

func newTable(length int) *table {
	return &table{
		buckets: make([]*entry, length),
		mask:    uint64(length - 1),
	}
}

func (t *table) allocated() bool {
	return t != nil && len(t.buckets) > 0
}

func (t *table) bucketIndex(hash uint64) uint64 {
	return hash & t.mask
}

// MigrationObserver receives a callback after every migration step
// that moved at least one chain node. It exists purely for metrics
// collection; the map's correctness never depends on it being set.
type MigrationObserver interface {
	ObserveMigrationStep(nodesMoved int)
}

// HashMap is the key-value index. At any time it is either steady
// (all entries in primary) or migrating (entries split across primary
// and secondary, primary twice secondary's length).
type HashMap struct {
	primary      *table
	secondary    *table
	rehashCursor int

	migrationObserver MigrationObserver
}

// New returns an empty HashMap. The primary table is not allocated
// until the first insert.
func New() *HashMap {
	return &HashMap{}
}

// SetMigrationObserver registers obs to be notified after every
// migration step that moves at least one chain node. A nil obs
// disables notification.
func (m *HashMap) SetMigrationObserver(obs MigrationObserver) {
	m.migrationObserver = obs
}

func (m *HashMap) migrating() bool {
	return m.secondary.allocated()
}

// Lookup returns the value stored for key and whether it was found.
// It performs one migration step before probing, per the bounded-work
// contract described in the package docs.
func (m *HashMap) Lookup(key []byte, hash uint64) ([]byte, bool) {
	m.migrateStep()

	if e := m.probe(m.primary, key, hash); e != nil {
		return e.value, true
	}
	if m.migrating() {
		if e := m.probe(m.secondary, key, hash); e != nil {
			return e.value, true
		}
	}
	return nil, false
}

func (m *HashMap) probe(t *table, key []byte, hash uint64) *entry {
	if !t.allocated() {
		return nil
	}
	for e := t.buckets[t.bucketIndex(hash)]; e != nil; e = e.next {
		// Hash comparison first avoids calling bytes.Equal on mismatches.
		if e.hash == hash && bytes.Equal(e.key, key) {
			return e
		}
	}
	return nil
}

// Set inserts key/value, or replaces the value of an existing entry
// with the same key. It reports whether the key was newly inserted
// (false means an existing entry was replaced).
func (m *HashMap) Set(key, value []byte, hash uint64) (inserted bool) {
	m.migrateStep()

	if e := m.probe(m.primary, key, hash); e != nil {
		e.value = value
		return false
	}
	if m.migrating() {
		if e := m.probe(m.secondary, key, hash); e != nil {
			e.value = value
			return false
		}
	}

	m.insert(&entry{key: key, value: value, hash: hash})
	return true
}

// insert links a freshly-created entry into primary, growing and
// beginning migration if the load factor demands it. It does not take
// its own migration step: the caller (Set) already paid for one before
// deciding whether this is an insert or a replace, and charging twice
// per Set call would blow the per-operation work bound.
func (m *HashMap) insert(e *entry) {
	if !m.primary.allocated() {
		m.primary = newTable(initialTableLength)
	}
	if !m.migrating() && m.primary.count/len(m.primary.buckets) >= loadFactorMax {
		m.beginMigration()
	}

	idx := m.primary.bucketIndex(e.hash)
	e.next = m.primary.buckets[idx]
	m.primary.buckets[idx] = e
	m.primary.count++
}

// Remove deletes key from the map, reporting whether it was present.
func (m *HashMap) Remove(key []byte, hash uint64) bool {
	m.migrateStep()

	if m.unlink(m.primary, key, hash) {
		return true
	}
	if m.migrating() {
		return m.unlink(m.secondary, key, hash)
	}
	return false
}

func (m *HashMap) unlink(t *table, key []byte, hash uint64) bool {
	if !t.allocated() {
		return false
	}
	idx := t.bucketIndex(hash)
	var prev *entry
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.hash == hash && bytes.Equal(e.key, key) {
			if prev == nil {
				t.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			t.count--
			return true
		}
		prev = e
	}
	return false
}

// Size returns the total number of live entries across both tables.
func (m *HashMap) Size() int {
	n := 0
	if m.primary != nil {
		n = m.primary.count
	}
	if m.migrating() {
		n += m.secondary.count
	}
	return n
}

// Destroy releases both inner tables' bucket arrays. Entries are not
// separately owned by the map, so there is nothing else to free.
func (m *HashMap) Destroy() {
	m.primary = nil
	m.secondary = nil
	m.rehashCursor = 0
}

// beginMigration moves the current primary wholesale into secondary
// and allocates a fresh, double-length primary.
func (m *HashMap) beginMigration() {
	m.secondary = m.primary
	m.primary = newTable(len(m.secondary.buckets) * 2)
	m.rehashCursor = 0
}

// migrateStep performs up to migrationStepBudget units of migration
// work: each unit detaches one chain node from secondary and re-links
// it into primary using its cached hash. An empty bucket costs nothing
// beyond advancing the cursor, so the call is bounded by
// migrationStepBudget plus the number of buckets it must skip over —
// itself bounded by secondary's length, half of primary's.
func (m *HashMap) migrateStep() {
	if !m.migrating() {
		return
	}

	moved := 0
	for moved < migrationStepBudget && m.secondary.count > 0 {
		if m.rehashCursor >= len(m.secondary.buckets) {
			break
		}
		e := m.secondary.buckets[m.rehashCursor]
		if e == nil {
			m.rehashCursor++
			continue
		}

		m.secondary.buckets[m.rehashCursor] = e.next
		m.secondary.count--

		idx := m.primary.bucketIndex(e.hash)
		e.next = m.primary.buckets[idx]
		m.primary.buckets[idx] = e
		m.primary.count++

		moved++
	}

	if moved > 0 && m.migrationObserver != nil {
		m.migrationObserver.ObserveMigrationStep(moved)
	}

	if m.secondary.count == 0 {
		m.secondary = nil
		m.rehashCursor = 0
	}
}
