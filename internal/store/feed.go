package store

import (
	"context"
	"sort"
	"sync"

	"browserctl/internal/logging"

	"github.com/google/go-cmp/cmp"
)

// Subscribe opens a change feed for projectID. Changes committed after the
// call are delivered in commit order until ctx is cancelled or the store is
// closed, at which point the channel is closed. Delivery never blocks writers.
func (s *TaskStore) Subscribe(ctx context.Context, projectID string) (<-chan Change, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	// Rows are loaded unconditionally: the last subscriber of the project may
	// go away between here and registration, dropping its snapshot.
	rows, err := s.ListTasks(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}
	ch := s.feed.subscribe(ctx, projectID, rows)
	logging.StoreDebug("subscribed to project %s", projectID)
	return ch, nil
}

// rescan diffs every subscribed project against its last published snapshot
// and publishes the differences. Used when another process wrote the file.
func (s *TaskStore) rescan(ctx context.Context) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	for _, projectID := range s.feed.projects() {
		rows, err := s.ListTasks(ctx, projectID, 0)
		if err != nil {
			return err
		}
		changes := diffTasks(projectID, s.feed.snapshot(projectID), rows)
		for _, c := range changes {
			s.feed.publish(c)
		}
		if len(changes) > 0 {
			logging.Store("external write: %d change(s) for project %s", len(changes), projectID)
		}
	}
	return nil
}

// diffTasks turns the difference between before and after into changes:
// deletes first, then updates, then inserts oldest first so that prepending
// subscribers end up newest first.
func diffTasks(projectID string, before map[string]Task, after []Task) []Change {
	var deletes, updates, inserts []Change

	seen := make(map[string]bool, len(after))
	for i := range after {
		t := after[i]
		seen[t.ID] = true
		prev, ok := before[t.ID]
		switch {
		case !ok:
			inserts = append(inserts, Change{Type: ChangeInsert, ProjectID: projectID, New: &t})
		case !cmp.Equal(prev, t):
			old := prev
			updates = append(updates, Change{Type: ChangeUpdate, ProjectID: projectID, New: &t, Old: &old})
		}
	}
	for id, prev := range before {
		if !seen[id] {
			old := prev
			deletes = append(deletes, Change{Type: ChangeDelete, ProjectID: projectID, Old: &old})
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Old.ID < deletes[j].Old.ID })
	sort.Slice(updates, func(i, j int) bool { return updates[i].New.ID < updates[j].New.ID })
	sort.Slice(inserts, func(i, j int) bool {
		a, b := inserts[i].New, inserts[j].New
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	out := make([]Change, 0, len(deletes)+len(updates)+len(inserts))
	out = append(out, deletes...)
	out = append(out, updates...)
	return append(out, inserts...)
}

// =============================================================================
// FEED
// =============================================================================

// feed fans changes out to per-project subscribers and remembers, per
// subscribed project, the rows as last published.
type feed struct {
	mu        sync.Mutex
	subs      map[string]map[int]*subscriber
	snapshots map[string]map[string]Task
	nextID    int
	closed    bool
	wg        sync.WaitGroup
}

func newFeed() *feed {
	return &feed{
		subs:      make(map[string]map[int]*subscriber),
		snapshots: make(map[string]map[string]Task),
	}
}

// snapshot returns a copy of the project's published rows.
func (f *feed) snapshot(projectID string) map[string]Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Task, len(f.snapshots[projectID]))
	for id, t := range f.snapshots[projectID] {
		out[id] = t
	}
	return out
}

func (f *feed) projects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.snapshots))
	for p := range f.snapshots {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// subscribe registers a subscriber for projectID. When the project has no
// snapshot yet, rows become its snapshot in the same critical section, so a
// registered subscriber always has a snapshot to diff against.
func (f *feed) subscribe(ctx context.Context, projectID string, rows []Task) <-chan Change {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		out:    make(chan Change),
		signal: make(chan struct{}, 1),
		cancel: cancel,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		close(sub.out)
		return sub.out
	}
	if _, ok := f.snapshots[projectID]; !ok {
		snap := make(map[string]Task, len(rows))
		for _, t := range rows {
			snap[t.ID] = t
		}
		f.snapshots[projectID] = snap
	}
	id := f.nextID
	f.nextID++
	if f.subs[projectID] == nil {
		f.subs[projectID] = make(map[int]*subscriber)
	}
	f.subs[projectID][id] = sub
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		defer cancel()
		sub.run(ctx)
		f.remove(projectID, id)
	}()
	return sub.out
}

func (f *feed) remove(projectID string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[projectID], id)
	if len(f.subs[projectID]) == 0 {
		delete(f.subs, projectID)
		delete(f.snapshots, projectID)
	}
}

// publish records c in the project's snapshot and queues it for every
// subscriber of the project.
func (f *feed) publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if snap, ok := f.snapshots[c.ProjectID]; ok {
		switch c.Type {
		case ChangeInsert, ChangeUpdate:
			snap[c.New.ID] = *c.New
		case ChangeDelete:
			delete(snap, c.Old.ID)
		}
	}
	for _, sub := range f.subs[c.ProjectID] {
		sub.enqueue(c)
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	f.closed = true
	for _, subs := range f.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// subscriber owns an unbounded queue drained by its own goroutine, so a slow
// reader delays only itself.
type subscriber struct {
	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	out    chan Change
	cancel context.CancelFunc
}

func (s *subscriber) enqueue(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.out <- c:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}
