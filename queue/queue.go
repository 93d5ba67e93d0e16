// Package queue implements the durable operation queue for the wallet sync
// engine. The in-memory list is authoritative; every mutation persists the
// serialized queue to the durable blob store so pending work survives a
// process restart.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// BlobKey is the key under which the serialized queue is persisted.
const BlobKey = "sync_queue"

// Store is the durable queue of pending mutations.
type Store struct {
	mu     sync.RWMutex
	items  []walletsync.QueueItem
	blobs  walletsync.BlobStore
	logger *logging.Logger
	subs   map[int]func()
	next   int
}

var _ walletsync.QueueStore = (*Store)(nil)

// New creates a Store backed by blobs and restores any previously
// persisted queue. A missing or unreadable blob starts the queue empty;
// restore problems are logged, never fatal.
func New(ctx context.Context, blobs walletsync.BlobStore) *Store {
	s := &Store{
		blobs:  blobs,
		logger: logging.WithComponent(logging.Component("queue")),
		subs:   make(map[int]func()),
	}
	s.restore(ctx)
	return s
}

func (s *Store) restore(ctx context.Context) {
	if s.blobs == nil {
		return
	}
	data, err := s.blobs.Get(ctx, BlobKey)
	if err != nil {
		if err != walletsync.ErrBlobNotFound {
			s.logger.LogError(ctx, err, "restore queue from durable storage")
		}
		return
	}
	var items []walletsync.QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		s.logger.LogError(ctx, err, "decode persisted queue, starting empty")
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	s.items = items
	s.logger.Info("queue restored", slog.Int("items", len(items)))
}

// Enqueue appends a new item with a fresh ID and zero retry count.
// It never fails; persistence problems are logged and tolerated.
func (s *Store) Enqueue(ctx context.Context, p walletsync.Payload, priority walletsync.Priority) string {
	if priority == "" {
		priority = walletsync.PriorityMedium
	}
	item := walletsync.QueueItem{
		ID:         uuid.NewString(),
		Payload:    p,
		EnqueuedAt: time.Now(),
		Priority:   priority,
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify()
	return item.ID
}

// Dequeue removes the item unconditionally. Removing an unknown ID is a
// no-op.
func (s *Store) Dequeue(ctx context.Context, id string) {
	s.mu.Lock()
	kept := s.items[:0]
	removed := false
	for _, it := range s.items {
		if it.ID == id {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	if removed {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if removed {
		s.notify()
	}
}

// MarkRetried increments the item's retry count and records the error.
func (s *Store) MarkRetried(ctx context.Context, id string, errMsg string) {
	s.mutate(ctx, id, func(it *walletsync.QueueItem) {
		it.RetryCount++
		it.LastError = errMsg
	})
}

// MarkFailed pins the retry count at the failure threshold so the item is
// excluded from default drains until a human acts.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) {
	s.mutate(ctx, id, func(it *walletsync.QueueItem) {
		if it.RetryCount < walletsync.FailureThreshold {
			it.RetryCount = walletsync.FailureThreshold
		}
		it.LastError = errMsg
	})
}

// ResetRetries zeroes the retry count for a batch of items, used by
// "retry failed items".
func (s *Store) ResetRetries(ctx context.Context, ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	changed := false
	for i := range s.items {
		if want[s.items[i].ID] {
			s.items[i].RetryCount = 0
			s.items[i].LastError = ""
			changed = true
		}
	}
	if changed {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*walletsync.QueueItem)) {
	s.mu.Lock()
	found := false
	for i := range s.items {
		if s.items[i].ID == id {
			fn(&s.items[i])
			found = true
			break
		}
	}
	if found {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if found {
		s.notify()
	}
}

// Snapshot returns a copy of the ordered items plus derived counters.
func (s *Store) Snapshot() (walletsync.QueueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := walletsync.QueueSnapshot{
		Items: make([]walletsync.QueueItem, len(s.items)),
	}
	copy(snap.Items, s.items)
	for _, it := range s.items {
		if it.Failed() {
			snap.FailedCount++
		} else {
			snap.PendingCount++
		}
	}
	return snap, nil
}

// Subscribe registers a callback invoked after every queue mutation.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// persistLocked writes the full queue to durable storage. Callers hold
// s.mu. Failures are logged only; the in-memory queue stays authoritative.
func (s *Store) persistLocked(ctx context.Context) {
	if s.blobs == nil {
		return
	}
	data, err := json.Marshal(s.items)
	if err != nil {
		s.logger.LogError(ctx, err, "encode queue for persistence")
		return
	}
	if err := s.blobs.Set(ctx, BlobKey, data); err != nil {
		s.logger.LogError(ctx, err, "persist queue to durable storage")
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}
