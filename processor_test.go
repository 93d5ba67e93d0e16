package walletsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	syncErrors "github.com/c0deZ3R0/wallet-sync-kit/errors"
)

// stubStore is a minimal in-memory QueueStore for processor tests. The
// full durable implementation lives in the queue package; here only the
// accounting semantics matter.
type stubStore struct {
	mu       sync.Mutex
	items    []QueueItem
	snapErr  error
	dequeued []string
	retried  map[string]string
	failed   map[string]string
	reset    []string
}

func newStubStore(items ...QueueItem) *stubStore {
	return &stubStore{
		items:   items,
		retried: make(map[string]string),
		failed:  make(map[string]string),
	}
}

func (s *stubStore) Enqueue(_ context.Context, p Payload, priority Priority) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("stub-%d", len(s.items))
	s.items = append(s.items, QueueItem{ID: id, Payload: p, EnqueuedAt: time.Now(), Priority: priority})
	return id
}

func (s *stubStore) Dequeue(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeued = append(s.dequeued, id)
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *stubStore) MarkRetried(_ context.Context, id string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried[id] = errMsg
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].RetryCount++
			s.items[i].LastError = errMsg
		}
	}
}

func (s *stubStore) MarkFailed(_ context.Context, id string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	for i := range s.items {
		if s.items[i].ID == id && s.items[i].RetryCount < FailureThreshold {
			s.items[i].RetryCount = FailureThreshold
			s.items[i].LastError = errMsg
		}
	}
}

func (s *stubStore) ResetRetries(_ context.Context, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = append(s.reset, ids...)
	for _, id := range ids {
		for i := range s.items {
			if s.items[i].ID == id {
				s.items[i].RetryCount = 0
				s.items[i].LastError = ""
			}
		}
	}
}

func (s *stubStore) Snapshot() (QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapErr != nil {
		return QueueSnapshot{}, s.snapErr
	}
	snap := QueueSnapshot{Items: make([]QueueItem, len(s.items))}
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

func (s *stubStore) Subscribe(func()) (cancel func()) { return func() {} }

// stubCache records entity writes for assertions.
type stubCache struct {
	mu      sync.Mutex
	saved   map[string]json.RawMessage
	deleted []string
}

func newStubCache() *stubCache {
	return &stubCache{saved: make(map[string]json.RawMessage)}
}

func cacheKey(res ResourceKind, id string) string { return string(res) + "/" + id }

func (c *stubCache) SaveEntity(_ context.Context, res ResourceKind, id string, data json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[cacheKey(res, id)] = data
	return nil
}

func (c *stubCache) UpdateEntity(ctx context.Context, res ResourceKind, id string, data json.RawMessage) error {
	return c.SaveEntity(ctx, res, id, data)
}

func (c *stubCache) DeleteEntity(_ context.Context, res ResourceKind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.saved, cacheKey(res, id))
	c.deleted = append(c.deleted, cacheKey(res, id))
	return nil
}

func (c *stubCache) GetEntity(_ context.Context, res ResourceKind, id string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.saved[cacheKey(res, id)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return data, nil
}

func (c *stubCache) ListEntities(_ context.Context, res ResourceKind) (map[string]json.RawMessage, error) {
	return nil, nil
}

func item(id string, p Payload, retries int, priority Priority) QueueItem {
	if priority == "" {
		priority = PriorityMedium
	}
	return QueueItem{ID: id, Payload: p, EnqueuedAt: time.Now(), RetryCount: retries, Priority: priority}
}

func conflictErr(kind syncErrors.Kind, remote string) error {
	args := []interface{}{syncErrors.Op("client.Execute"), syncErrors.Component("client"), kind, "server reported conflict"}
	if remote != "" {
		args = append(args, json.RawMessage(remote))
	}
	return syncErrors.E(args...)
}

func newTestProcessor(store QueueStore, cache EntityCache, resolver ConflictResolver, notifier NotificationSink, clients ...ResourceClient) *processor {
	if resolver == nil {
		resolver = LocalWinsResolver{}
	}
	if notifier == nil {
		notifier = NopSink{}
	}
	byKind := make(map[ResourceKind]ResourceClient)
	for _, c := range clients {
		byKind[c.Resource()] = c
	}
	return newProcessor(store, byKind, cache, resolver, notifier, NewMonitor(true, time.Millisecond))
}

func TestDrainSuccessDequeuesAndCaches(t *testing.T) {
	store := newStubStore(
		item("a", CreateCredential{Credential: Credential{ID: "cred-1", Type: "Email"}}, 0, ""),
		item("b", UpdateProfile{ID: "prof-1", Version: 2}, 0, ""),
	)
	cache := newStubCache()
	client := &MockClient{Kind: ResourceCredential}
	profiles := &MockClient{Kind: ResourceProfile}
	p := newTestProcessor(store, cache, nil, nil, client, profiles)

	result := p.drain(context.Background(), false)

	if !result.Success || result.SyncedItems != 2 || result.FailedItems != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(store.dequeued) != 2 {
		t.Errorf("dequeued = %v", store.dequeued)
	}
	if _, err := cache.GetEntity(context.Background(), ResourceCredential, "cred-1"); err != nil {
		t.Error("synced entity missing from cache")
	}
}

func TestDrainOfflineIsNoOp(t *testing.T) {
	store := newStubStore(item("a", VerifyCredential{ID: "cred-1"}, 0, ""))
	p := newTestProcessor(store, newStubCache(), nil, nil, &MockClient{Kind: ResourceCredential})
	p.monitor = NewMonitor(false, time.Millisecond)

	result := p.drain(context.Background(), false)

	if result.Success {
		t.Fatal("offline drain must not report success")
	}
	if len(store.dequeued) != 0 || len(store.retried) != 0 {
		t.Error("offline drain touched the queue")
	}
}

func TestDrainTransientFailureIncrementsRetry(t *testing.T) {
	store := newStubStore(item("a", VerifyCredential{ID: "cred-1"}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictlessTransient()
		},
	}
	p := newTestProcessor(store, newStubCache(), nil, nil, client)

	result := p.drain(context.Background(), false)

	if result.Success != true {
		t.Error("partial failure is still a successful batch")
	}
	if result.FailedItems != 1 || len(result.Errors) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if store.retried["a"] == "" {
		t.Error("retry not recorded")
	}
	if store.items[0].RetryCount != 1 {
		t.Errorf("retry count = %d", store.items[0].RetryCount)
	}
}

func conflictlessTransient() error {
	return syncErrors.E(syncErrors.Op("client.Execute"), syncErrors.Component("client"),
		syncErrors.KindTransient, "server returned 503")
}

func TestDrainSkipsFailedItemsByDefault(t *testing.T) {
	store := newStubStore(
		item("fresh", VerifyCredential{ID: "cred-1"}, 0, ""),
		item("retrying", VerifyCredential{ID: "cred-2"}, 1, ""),
		item("exhausted", VerifyCredential{ID: "cred-3"}, FailureThreshold, ""),
	)
	client := &MockClient{Kind: ResourceCredential}
	p := newTestProcessor(store, newStubCache(), nil, nil, client)

	result := p.drain(context.Background(), false)

	if result.SyncedItems != 1 {
		t.Fatalf("synced = %d", result.SyncedItems)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0].TargetID() != "cred-1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDrainIncludeFailedWidensCandidates(t *testing.T) {
	store := newStubStore(
		item("fresh", VerifyCredential{ID: "cred-1"}, 0, ""),
		item("retrying", VerifyCredential{ID: "cred-2"}, 2, ""),
		item("exhausted", VerifyCredential{ID: "cred-3"}, FailureThreshold, ""),
	)
	client := &MockClient{Kind: ResourceCredential}
	p := newTestProcessor(store, newStubCache(), nil, nil, client)

	result := p.drain(context.Background(), true)

	if result.SyncedItems != 2 {
		t.Fatalf("synced = %d", result.SyncedItems)
	}
	for _, c := range client.Calls() {
		if c.TargetID() == "cred-3" {
			t.Error("exhausted item must never be drained")
		}
	}
}

func TestDrainIsStrictFIFORegardlessOfPriority(t *testing.T) {
	store := newStubStore(
		item("first", VerifyCredential{ID: "first"}, 0, PriorityLow),
		item("second", VerifyCredential{ID: "second"}, 0, PriorityHigh),
		item("third", VerifyCredential{ID: "third"}, 0, PriorityMedium),
		item("fourth", VerifyCredential{ID: "fourth"}, 0, PriorityHigh),
	)
	client := &MockClient{Kind: ResourceCredential}
	p := newTestProcessor(store, newStubCache(), nil, nil, client)

	p.drain(context.Background(), false)

	var got []string
	for _, c := range client.Calls() {
		got = append(got, c.TargetID())
	}
	// Priority is a stored hint; replay order is strict enqueue order.
	want := []string{"first", "second", "third", "fourth"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDrainDeleteRemovesFromCache(t *testing.T) {
	cache := newStubCache()
	cache.SaveEntity(context.Background(), ResourceConnection, "conn-1", json.RawMessage(`{"id":"conn-1"}`))
	store := newStubStore(item("a", DeleteConnection{ID: "conn-1", Version: 3}, 0, ""))
	p := newTestProcessor(store, cache, nil, nil, &MockClient{Kind: ResourceConnection})

	p.drain(context.Background(), false)

	if _, err := cache.GetEntity(context.Background(), ResourceConnection, "conn-1"); !errors.Is(err, ErrEntityNotFound) {
		t.Error("deleted entity still cached")
	}
}

func TestDrainSnapshotErrorIsFatalBatch(t *testing.T) {
	store := newStubStore()
	store.snapErr = errors.New("store corrupted")
	p := newTestProcessor(store, newStubCache(), nil, nil, &MockClient{Kind: ResourceCredential})

	result := p.drain(context.Background(), false)

	if result.Success {
		t.Fatal("fatal batch error must clear success")
	}
	if len(result.Errors) == 0 {
		t.Fatal("fatal batch error must be recorded")
	}
}

func TestDrainMissingClientFailsItem(t *testing.T) {
	store := newStubStore(item("a", CreateProfile{Profile: Profile{ID: "prof-1"}}, 0, ""))
	p := newTestProcessor(store, newStubCache(), nil, nil, &MockClient{Kind: ResourceCredential})

	result := p.drain(context.Background(), false)

	if result.FailedItems != 1 {
		t.Fatalf("result = %+v", result)
	}
	if store.failed["a"] == "" {
		t.Error("item without client must be pinned failed")
	}
}

func TestDrainAlreadyRunningFailsFast(t *testing.T) {
	store := newStubStore()
	p := newTestProcessor(store, newStubCache(), nil, nil, &MockClient{Kind: ResourceCredential})
	p.running.Store(true)

	result := p.drain(context.Background(), false)
	if result.Success {
		t.Fatal("concurrent drain must fail fast")
	}
}

func TestConflictLocalWinsReplaysOnce(t *testing.T) {
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	var calls int
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(p Payload) (*Entity, error) {
			calls++
			if calls == 1 {
				return nil, conflictErr(syncErrors.KindVersionConflict, `{"id":"cred-1","version":9}`)
			}
			return &Entity{ID: "cred-1", Version: 10, Data: json.RawMessage(`{"id":"cred-1","version":10}`)}, nil
		},
	}
	cache := newStubCache()
	p := newTestProcessor(store, cache, LocalWinsResolver{}, nil, client)

	result := p.drain(context.Background(), false)

	if result.Conflicts != 1 || result.SyncedItems != 1 {
		t.Fatalf("result = %+v", result)
	}
	if calls != 2 {
		t.Errorf("execute calls = %d", calls)
	}
	if len(store.dequeued) != 1 {
		t.Error("replayed item must be dequeued")
	}
}

func TestConflictReplayFailureStaysQueued(t *testing.T) {
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictErr(syncErrors.KindVersionConflict, "")
		},
	}
	p := newTestProcessor(store, newStubCache(), LocalWinsResolver{}, nil, client)

	result := p.drain(context.Background(), false)

	if result.Conflicts != 1 || result.FailedItems != 1 {
		t.Fatalf("result = %+v", result)
	}
	if store.retried["a"] == "" {
		t.Error("failed replay must be recorded as a retry")
	}
	if len(store.dequeued) != 0 {
		t.Error("item must stay queued after failed replay")
	}
}

func TestConflictAcceptRemoteWritesCacheAndDequeues(t *testing.T) {
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictErr(syncErrors.KindVersionConflict, `{"id":"cred-1","version":9}`)
		},
	}
	cache := newStubCache()
	p := newTestProcessor(store, cache, RemoteWinsResolver{}, nil, client)

	result := p.drain(context.Background(), false)

	if result.Conflicts != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(store.dequeued) != 1 {
		t.Error("accept-remote must dequeue the local item")
	}
	data, err := cache.GetEntity(context.Background(), ResourceCredential, "cred-1")
	if err != nil || len(data) == 0 {
		t.Error("remote copy not cached")
	}
}

func TestConflictDeletionAcceptRemoteDeletesLocal(t *testing.T) {
	cache := newStubCache()
	cache.SaveEntity(context.Background(), ResourceCredential, "cred-1", json.RawMessage(`{"id":"cred-1"}`))
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictErr(syncErrors.KindDeletionConflict, "")
		},
	}
	p := newTestProcessor(store, cache, RemoteWinsResolver{}, nil, client)

	p.drain(context.Background(), false)

	if _, err := cache.GetEntity(context.Background(), ResourceCredential, "cred-1"); !errors.Is(err, ErrEntityNotFound) {
		t.Error("remotely deleted entity still cached")
	}
}

func TestConflictManualEscalationNotifiesAndPinsFailed(t *testing.T) {
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictErr(syncErrors.KindConflict, "")
		},
	}
	notifier := &MockNotifier{}
	p := newTestProcessor(store, newStubCache(), LocalWinsResolver{}, notifier, client)

	result := p.drain(context.Background(), false)

	if result.Conflicts != 1 {
		t.Fatalf("result = %+v", result)
	}
	if store.failed["a"] == "" {
		t.Error("escalated item must be pinned at the failure threshold")
	}
	got := notifier.Notifications()
	if len(got) != 1 || got[0].Type != "conflict" {
		t.Errorf("notifications = %v", got)
	}
	if len(client.Calls()) != 1 {
		t.Error("ambiguous conflict must not be replayed")
	}
}

func TestConflictMergedReplaysMergedPayload(t *testing.T) {
	merged := UpdateCredential{ID: "cred-1", Version: 9, Changes: map[string]interface{}{"holder": "merged"}}
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	var calls []Payload
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(p Payload) (*Entity, error) {
			calls = append(calls, p)
			if len(calls) == 1 {
				return nil, conflictErr(syncErrors.KindContentConflict, "")
			}
			return &Entity{ID: "cred-1", Version: 10}, nil
		},
	}
	resolver := resolverFunc(func(context.Context, QueueItem, ConflictRecord) (Resolution, error) {
		return Resolution{Action: ActionMerged, Merged: merged, Reason: "field merge"}, nil
	})
	p := newTestProcessor(store, newStubCache(), resolver, nil, client)

	result := p.drain(context.Background(), false)

	if result.SyncedItems != 1 {
		t.Fatalf("result = %+v", result)
	}
	got, ok := calls[1].(UpdateCredential)
	if !ok || got.Version != 9 {
		t.Errorf("replayed payload = %+v", calls[1])
	}
}

type resolverFunc func(ctx context.Context, item QueueItem, rec ConflictRecord) (Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, item QueueItem, rec ConflictRecord) (Resolution, error) {
	return f(ctx, item, rec)
}

func TestConflictResolverErrorEscalates(t *testing.T) {
	store := newStubStore(item("a", UpdateCredential{ID: "cred-1", Version: 3}, 0, ""))
	client := &MockClient{
		Kind: ResourceCredential,
		Handler: func(Payload) (*Entity, error) {
			return nil, conflictErr(syncErrors.KindVersionConflict, "")
		},
	}
	notifier := &MockNotifier{}
	resolver := resolverFunc(func(context.Context, QueueItem, ConflictRecord) (Resolution, error) {
		return Resolution{}, errors.New("rules engine offline")
	})
	p := newTestProcessor(store, newStubCache(), resolver, notifier, client)

	p.drain(context.Background(), false)

	if store.failed["a"] == "" {
		t.Error("resolver error must escalate, not drop")
	}
	if len(notifier.Notifications()) != 1 {
		t.Error("resolver error must notify")
	}
}

func TestConflictKindMapping(t *testing.T) {
	cases := map[syncErrors.Kind]ConflictKind{
		syncErrors.KindVersionConflict:  ConflictVersion,
		syncErrors.KindContentConflict:  ConflictContent,
		syncErrors.KindDeletionConflict: ConflictDeletion,
		syncErrors.KindConflict:         ConflictUnknown,
		syncErrors.KindTransient:        ConflictUnknown,
	}
	for in, want := range cases {
		if got := conflictKindOf(in); got != want {
			t.Errorf("conflictKindOf(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestDrainCancelledContextStopsScheduling(t *testing.T) {
	store := newStubStore(
		item("a", VerifyCredential{ID: "cred-1"}, 0, ""),
		item("b", VerifyCredential{ID: "cred-2"}, 0, ""),
	)
	client := &MockClient{Kind: ResourceCredential}
	p := newTestProcessor(store, newStubCache(), nil, nil, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := p.drain(ctx, false)

	if len(client.Calls()) != 0 {
		t.Error("cancelled drain must not dispatch items")
	}
	if len(result.Errors) == 0 {
		t.Error("interruption must be recorded")
	}
}
