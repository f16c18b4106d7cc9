package storage

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"scrapesched/internal/model"
)

// index is the in-memory execution table shared by the memory and file drivers.
type index struct {
	byID map[string]model.Execution
}

func newIndex() *index { return &index{byID: map[string]model.Execution{}} }

func (ix *index) insert(e model.Execution) error {
	if e.ID == "" {
		return fmt.Errorf("execution id required")
	}
	if _, ok := ix.byID[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	ix.byID[e.ID] = e.Clone()
	return nil
}

func (ix *index) get(id string) (model.Execution, error) {
	e, ok := ix.byID[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return e.Clone(), nil
}

// patch applies p and returns the updated record.
func (ix *index) patch(id string, p model.ExecutionPatch) (model.Execution, error) {
	e, err := ix.patched(id, p)
	if err != nil {
		return model.Execution{}, err
	}
	ix.byID[id] = e
	return e.Clone(), nil
}

// patched returns a copy of record id with p applied, leaving the index as is.
func (ix *index) patched(id string, p model.ExecutionPatch) (model.Execution, error) {
	e, ok := ix.byID[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if e.Status.Terminal() {
		return model.Execution{}, fmt.Errorf("%w: %s is %s", model.ErrImmutable, id, e.Status)
	}
	e = e.Clone()
	p.Apply(&e)
	return e, nil
}

func (ix *index) recent(n int) []model.Execution {
	all := ix.sorted()
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]model.Execution, len(all))
	for i := range all {
		out[i] = all[i].Clone()
	}
	return out
}

// sorted returns every record, most recent first.
func (ix *index) sorted() []model.Execution {
	all := make([]model.Execution, 0, len(ix.byID))
	for _, e := range ix.byID {
		all = append(all, e)
	}
	sortRecent(all)
	return all
}

func (ix *index) remove(ids []string) {
	for _, id := range ids {
		delete(ix.byID, id)
	}
}

func sortRecent(list []model.Execution) {
	slices.SortFunc(list, func(a, b model.Execution) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// expired selects the ids the retention policy drops from a most-recent-first list.
func expired(list []model.Execution, r Retention, now time.Time) []string {
	if !r.Enabled() {
		return nil
	}
	var ids []string
	for i, e := range list {
		if !e.Status.Terminal() {
			continue
		}
		tooOld := r.MaxAge > 0 && now.Sub(e.StartTime) > r.MaxAge
		tooMany := r.MaxCount > 0 && i >= r.MaxCount
		if tooOld || tooMany {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
