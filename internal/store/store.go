// Package store holds the in-memory task collection shared by the
// orchestrator and every reader. All writes are serialized by one mutex.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/tableforge/internal/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store is an ordered, in-memory collection of tasks. The newest task sits at
// the head. Readers receive deep copies; only Tx callbacks touch live records.
type Store struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]*models.Task

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*models.Task),
		subs:  make(map[int]chan struct{}),
		now:   time.Now,
	}
}

// Tx is the view handed to Update callbacks. It is only valid inside the
// callback and must not be retained.
type Tx struct {
	s       *Store
	changed bool
}

// Tasks returns copies of all tasks in store order.
func (tx *Tx) Tasks() []models.Task {
	return tx.s.snapshotLocked()
}

// Get returns a copy of the task with the given local id.
func (tx *Tx) Get(id string) (models.Task, bool) {
	t, ok := tx.s.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Insert places a new task at the head of the collection.
func (tx *Tx) Insert(task models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("insert: empty task id")
	}
	if _, exists := tx.s.tasks[task.ID]; exists {
		return fmt.Errorf("insert %s: %w", task.ID, ErrDuplicateID)
	}
	now := tx.s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Version = 1
	stored := task.Clone()
	tx.s.tasks[task.ID] = &stored
	tx.s.order = append([]string{task.ID}, tx.s.order...)
	tx.changed = true
	return nil
}

// Patch applies fn to the live record. A status change made by fn must be an
// edge of the status graph, otherwise the record is left untouched and
// ErrIllegalTransition is returned. ID, Filename and CreatedAt are immutable.
func (tx *Tx) Patch(id string, fn func(*models.Task)) (models.Task, error) {
	live, ok := tx.s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("patch %s: %w", id, ErrTaskNotFound)
	}
	draft := live.Clone()
	fn(&draft)

	if draft.Status != live.Status && !models.CanTransition(live.Status, draft.Status) {
		return live.Clone(), fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, live.Status, draft.Status)
	}
	draft.ID = live.ID
	draft.Filename = live.Filename
	draft.CreatedAt = live.CreatedAt
	draft.Version = live.Version + 1
	draft.UpdatedAt = tx.s.now()

	*live = draft
	tx.changed = true
	return live.Clone(), nil
}

// Transition moves a task to status to, applying fn (may be nil) in the
// same write.
func (tx *Tx) Transition(id string, to models.TaskStatus, fn func(*models.Task)) (models.Task, error) {
	return tx.Patch(id, func(t *models.Task) {
		t.Status = to
		if fn != nil {
			fn(t)
		}
	})
}

// Remove deletes a task. It reports whether the task existed.
func (tx *Tx) Remove(id string) bool {
	if _, ok := tx.s.tasks[id]; !ok {
		return false
	}
	delete(tx.s.tasks, id)
	for i, v := range tx.s.order {
		if v == id {
			tx.s.order = append(tx.s.order[:i], tx.s.order[i+1:]...)
			break
		}
	}
	tx.changed = true
	return true
}

// Update runs fn under the write lock. Checks and writes performed inside fn
// are atomic with respect to every other store operation. Subscribers are
// notified once after fn returns if anything changed.
func (s *Store) Update(fn func(tx *Tx) error) error {
	changed, err := s.apply(fn)
	if changed {
		s.notify()
	}
	return err
}

func (s *Store) apply(fn func(tx *Tx) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s}
	err := fn(tx)
	return tx.changed, err
}

// Insert adds a task at the head.
func (s *Store) Insert(task models.Task) error {
	return s.Update(func(tx *Tx) error { return tx.Insert(task) })
}

// Patch applies a partial update to one task.
func (s *Store) Patch(id string, fn func(*models.Task)) (models.Task, error) {
	var out models.Task
	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.Patch(id, fn)
		return err
	})
	return out, err
}

// Transition changes the status of one task.
func (s *Store) Transition(id string, to models.TaskStatus, fn func(*models.Task)) (models.Task, error) {
	var out models.Task
	err := s.Update(func(tx *Tx) error {
		var err error
		out, err = tx.Transition(id, to, fn)
		return err
	})
	return out, err
}

// Remove deletes a task by local id.
func (s *Store) Remove(id string) bool {
	var removed bool
	_ = s.Update(func(tx *Tx) error {
		removed = tx.Remove(id)
		return nil
	})
	return removed
}

// Get returns a copy of one task.
func (s *Store) Get(id string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Snapshot returns copies of all tasks, newest first.
func (s *Store) Snapshot() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) snapshotLocked() []models.Task {
	out := make([]models.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Subscribe returns a channel that receives a signal after every change.
// Signals are coalesced: a slow reader sees one pending signal and should
// re-read the snapshot. The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
