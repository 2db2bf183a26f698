// Package store holds the immutable set of replicated runs.
//
// A Store is never modified after construction. Replace and Remove return a
// new Store that shares every untouched run with the receiver, so a reader
// holding an old Store keeps a consistent view while the engine moves on.
package store

import (
	"sort"

	"github.com/runsync/runsync/internal/replica/schema"
)

// Store is an immutable map of run id to run.
type Store struct {
	runs map[string]*schema.Run
}

// New builds a store from runs. Later duplicates win.
func New(runs ...*schema.Run) *Store {
	m := make(map[string]*schema.Run, len(runs))
	for _, r := range runs {
		if r != nil {
			m[r.ID] = r
		}
	}
	return &Store{runs: m}
}

// Get returns the run with id.
func (s *Store) Get(id string) (*schema.Run, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.runs[id]
	return r, ok
}

// Len returns the number of runs.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.runs)
}

// IDs returns every run id in sorted order.
func (s *Store) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runs returns every run ordered by id.
func (s *Store) Runs() []*schema.Run {
	ids := s.IDs()
	out := make([]*schema.Run, len(ids))
	for i, id := range ids {
		out[i] = s.runs[id]
	}
	return out
}

// Replace returns a new store with run stored under run.ID.
func (s *Store) Replace(run *schema.Run) *Store {
	next := s.copyMap(1)
	next[run.ID] = run
	return &Store{runs: next}
}

// Remove returns a new store without id. The receiver is returned when id is
// absent.
func (s *Store) Remove(id string) *Store {
	if _, ok := s.Get(id); !ok {
		return s
	}
	next := s.copyMap(0)
	delete(next, id)
	return &Store{runs: next}
}

// RemoveWhere returns a new store without every run matching pred, and the
// removed ids in sorted order.
func (s *Store) RemoveWhere(pred func(*schema.Run) bool) (*Store, []string) {
	var removed []string
	for _, id := range s.IDs() {
		if pred(s.runs[id]) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return s, nil
	}
	next := s.copyMap(0)
	for _, id := range removed {
		delete(next, id)
	}
	return &Store{runs: next}, removed
}

func (s *Store) copyMap(extra int) map[string]*schema.Run {
	if s == nil {
		return make(map[string]*schema.Run, extra)
	}
	next := make(map[string]*schema.Run, len(s.runs)+extra)
	for k, v := range s.runs {
		next[k] = v
	}
	return next
}
