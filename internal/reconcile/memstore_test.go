package reconcile

import (
	"context"
	"sort"
	"time"

	"calsync/internal/model"
)

// memStore is an in-memory PartitionStore. Transactions work on a copy of
// the event map and replace it on commit.
type memStore struct {
	nextID       int64
	events       map[int64]model.Event
	participants map[int64][]int64

	failInsert func(model.Event) error
	failUpdate func(model.Event) error
	failDelete func(int64) error
}

func newMemStore() *memStore {
	return &memStore{
		nextID:       1,
		events:       make(map[int64]model.Event),
		participants: make(map[int64][]int64),
	}
}

// seed stores ev with its given ID.
func (s *memStore) seed(ev model.Event) {
	if ev.Status == "" {
		ev.Status = model.StatusActive
	}
	s.events[ev.ID] = ev
	if ev.ID >= s.nextID {
		s.nextID = ev.ID + 1
	}
}

func (s *memStore) BeginPartition(_ context.Context, subjectID int64, date time.Time) (PartitionTx, error) {
	work := make(map[int64]model.Event, len(s.events))
	for id, ev := range s.events {
		work[id] = ev
	}
	return &memTx{s: s, subjectID: subjectID, date: model.Day(date), work: work, nextID: s.nextID}, nil
}

type memTx struct {
	s         *memStore
	subjectID int64
	date      time.Time
	work      map[int64]model.Event
	deleted   []int64
	nextID    int64
}

func (t *memTx) Events(context.Context) ([]model.Event, error) {
	var out []model.Event
	for _, ev := range t.work {
		if ev.SubjectID == t.subjectID && ev.DateKey() == t.date.Format(model.DateLayout) && ev.Status == model.StatusActive {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertEvent(_ context.Context, ev *model.Event) error {
	if t.s.failInsert != nil {
		if err := t.s.failInsert(*ev); err != nil {
			return err
		}
	}
	ev.ID = t.nextID
	t.nextID++
	t.work[ev.ID] = *ev
	return nil
}

func (t *memTx) UpdateEvent(_ context.Context, ev model.Event) error {
	if t.s.failUpdate != nil {
		if err := t.s.failUpdate(ev); err != nil {
			return err
		}
	}
	t.work[ev.ID] = ev
	return nil
}

func (t *memTx) DeleteEvent(_ context.Context, id int64) error {
	if t.s.failDelete != nil {
		if err := t.s.failDelete(id); err != nil {
			return err
		}
	}
	delete(t.work, id)
	t.deleted = append(t.deleted, id)
	return nil
}

func (t *memTx) Commit() error {
	t.s.events = t.work
	t.s.nextID = t.nextID
	for _, id := range t.deleted {
		delete(t.s.participants, id)
	}
	return nil
}

func (t *memTx) Rollback() error { return nil }
