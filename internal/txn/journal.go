// Package txn provides the undo journal that makes every top-level call all-or-nothing.
package txn

import (
	"fmt"
	"sort"
)

type revision struct {
	id           int
	journalIndex int
}

// Journal records undo closures for state mutations. Reverting to a snapshot
// replays the closures in reverse order. A nil *Journal records nothing, which
// lets components be used standalone in tests and tooling.
// Not thread-safe; only the engine goroutine touches it.
type Journal struct {
	entries        []func()
	validRevisions []revision
	nextRevisionID int
}

func NewJournal() *Journal {
	return &Journal{}
}

// Record appends an undo closure.
func (j *Journal) Record(undo func()) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier for the current revision.
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	id := j.nextRevisionID
	j.nextRevisionID++
	j.validRevisions = append(j.validRevisions, revision{id, len(j.entries)})
	return id
}

// RevertToSnapshot undoes every change recorded since the given revision.
func (j *Journal) RevertToSnapshot(revid int) {
	if j == nil {
		return
	}
	idx := sort.Search(len(j.validRevisions), func(i int) bool {
		return j.validRevisions[i].id >= revid
	})
	if idx == len(j.validRevisions) || j.validRevisions[idx].id != revid {
		panic(fmt.Errorf("revision id %v cannot be reverted", revid))
	}
	snapshot := j.validRevisions[idx].journalIndex

	for i := len(j.entries) - 1; i >= snapshot; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:snapshot]

	j.validRevisions = j.validRevisions[:idx]
}

// Reset drops all entries and revisions. Called once a call commits.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	j.entries = nil
	j.validRevisions = j.validRevisions[:0]
}

// Length returns the number of recorded entries.
func (j *Journal) Length() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// SetMap writes m[k] = v and records how to restore the previous entry.
func SetMap[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	m[k] = v
	j.Record(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// DeleteMap removes m[k] and records how to restore it.
func DeleteMap[K comparable, V any](j *Journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	delete(m, k)
	j.Record(func() {
		m[k] = prev
	})
}

// Set writes *p = v and records the previous value.
func Set[T any](j *Journal, p *T, v T) {
	prev := *p
	*p = v
	j.Record(func() {
		*p = prev
	})
}
