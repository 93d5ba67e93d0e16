// Package walletsync provides the offline-first synchronization engine for a
// client-side identity wallet. It maintains a durable queue of pending
// mutations, replays them against the wallet backend when connectivity
// returns, classifies and resolves conflicts, and keeps a realtime push
// channel for server-initiated updates.
//
// The engine is constructed explicitly with injected collaborators (resource
// clients, entity cache, durable blob store, network monitor, realtime
// dialer) and owned by the application's composition root. There is no
// package-level singleton state.
package walletsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// OperationKind is the verb of a queued mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpShare  OperationKind = "share"
	OpVerify OperationKind = "verify"
)

// ResourceKind is the domain entity a queued mutation targets.
type ResourceKind string

const (
	ResourceCredential ResourceKind = "credential"
	ResourceConnection ResourceKind = "connection"
	ResourceProfile    ResourceKind = "profile"
)

// Priority is a scheduling hint persisted on the item. The reference
// processor replays in strict enqueue order and never reorders on it;
// reordering would break causal ordering of operations on one entity.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// FailureThreshold is the retry count at which an item is considered
// failed and excluded from default drains.
const FailureThreshold = 3

// QueueItem is a single durable record of a pending mutation awaiting
// replay against the server. Immutable except for RetryCount, LastError
// and Priority.
type QueueItem struct {
	ID         string
	Payload    Payload
	EnqueuedAt time.Time
	RetryCount int
	LastError  string
	Priority   Priority
}

// Resource returns the resource kind the item targets.
func (it QueueItem) Resource() ResourceKind { return it.Payload.Resource() }

// Operation returns the operation kind of the item.
func (it QueueItem) Operation() OperationKind { return it.Payload.Operation() }

// Failed reports whether the item has exhausted its retries.
func (it QueueItem) Failed() bool { return it.RetryCount >= FailureThreshold }

type queueItemJSON struct {
	ID         string          `json:"id"`
	Resource   ResourceKind    `json:"resource"`
	Operation  OperationKind   `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	Priority   Priority        `json:"priority"`
}

// MarshalJSON encodes the item with its payload in the tagged envelope
// format used for durable persistence.
func (it QueueItem) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queueItemJSON{
		ID:         it.ID,
		Resource:   it.Resource(),
		Operation:  it.Operation(),
		Payload:    data,
		EnqueuedAt: it.EnqueuedAt,
		RetryCount: it.RetryCount,
		LastError:  it.LastError,
		Priority:   it.Priority,
	})
}

// UnmarshalJSON decodes an item persisted by MarshalJSON.
func (it *QueueItem) UnmarshalJSON(data []byte) error {
	var raw queueItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := decodePayload(raw.Resource, raw.Operation, raw.Payload)
	if err != nil {
		return err
	}
	it.ID = raw.ID
	it.Payload = payload
	it.EnqueuedAt = raw.EnqueuedAt
	it.RetryCount = raw.RetryCount
	it.LastError = raw.LastError
	it.Priority = raw.Priority
	return nil
}

// QueueSnapshot is the current ordered queue contents plus derived counters.
type QueueSnapshot struct {
	Items        []QueueItem
	PendingCount int
	FailedCount  int
}

// QueueStore is the durable, ordered list of pending mutations.
//
// Every mutating call persists the full queue to the durable blob store so
// a process restart does not lose pending work. Persistence failures are
// logged and tolerated; the in-memory queue stays authoritative for the
// life of the process.
type QueueStore interface {
	// Enqueue appends a new item with RetryCount zero and returns its ID.
	// It never fails.
	Enqueue(ctx context.Context, p Payload, priority Priority) string

	// Dequeue removes an item unconditionally.
	Dequeue(ctx context.Context, id string)

	// MarkRetried increments the item's retry count and records the error.
	MarkRetried(ctx context.Context, id string, errMsg string)

	// MarkFailed pins the item's retry count at FailureThreshold, used
	// when a conflict is escalated to manual resolution.
	MarkFailed(ctx context.Context, id string, errMsg string)

	// ResetRetries zeroes the retry count for a batch of items.
	ResetRetries(ctx context.Context, ids []string)

	// Snapshot returns the ordered items and derived counters. The error
	// is non-nil only when the store can no longer serve its contents.
	Snapshot() (QueueSnapshot, error)

	// Subscribe registers a callback invoked after every queue mutation.
	// The returned function cancels the registration.
	Subscribe(fn func()) (cancel func())
}

// ErrBlobNotFound is returned by BlobStore.Get for missing keys.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the durable key-value persistence facade used for the
// serialized queue and the last-sync timestamp.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrEntityNotFound is returned by EntityCache.GetEntity for missing
// entities.
var ErrEntityNotFound = errors.New("entity not found")

// EntityCache is the local persistence facade for canonical wallet
// entities. It is written on successful replays and on realtime pushes.
type EntityCache interface {
	SaveEntity(ctx context.Context, res ResourceKind, id string, data json.RawMessage) error
	UpdateEntity(ctx context.Context, res ResourceKind, id string, data json.RawMessage) error
	DeleteEntity(ctx context.Context, res ResourceKind, id string) error
	GetEntity(ctx context.Context, res ResourceKind, id string) (json.RawMessage, error)
	ListEntities(ctx context.Context, res ResourceKind) (map[string]json.RawMessage, error)
}

// Entity is the canonical server representation of a wallet entity as
// returned by a resource client.
type Entity struct {
	ID      string
	Version int64
	Data    json.RawMessage
}

// ResourceClient executes remote operations for one resource kind.
// Implementations return structured errors (errors.SyncError) whose Kind
// lets the processor route failures without message sniffing.
type ResourceClient interface {
	Resource() ResourceKind
	Execute(ctx context.Context, p Payload) (*Entity, error)
}

// Notification is a fire-and-forget user-facing message.
type Notification struct {
	Type    string
	Title   string
	Message string
}

// NotificationSink surfaces notifications to the user.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) Notify(context.Context, Notification) {}

// LogSink writes notifications to the structured log. Useful for headless
// deployments without a UI surface.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) {
	logging.WithComponent(logging.Component("notifications")).Info(n.Title,
		slog.String("type", n.Type),
		slog.String("message", n.Message))
}

// RealtimeConn is a live realtime connection handle.
type RealtimeConn interface {
	// Read blocks until the next inbound message or a connection error.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a text message over the connection.
	Write(ctx context.Context, data []byte) error

	Close() error
}

// RealtimeDialer establishes realtime connections. A nil dialer on the
// engine means the environment does not support realtime transport; the
// feature is silently disabled.
type RealtimeDialer interface {
	Dial(ctx context.Context, url string) (RealtimeConn, error)
}

// SyncOptions controls a single sync run.
type SyncOptions struct {
	// Force schedules this run after the current one finishes instead of
	// failing fast. It never allows two drains to run concurrently.
	Force bool

	// Background suppresses user-facing failure notifications.
	Background bool

	// RetryFailed includes items that previously failed transiently
	// (0 < RetryCount < FailureThreshold) in the drain.
	RetryFailed bool
}

// SyncResult summarizes one sync run. A run that completes with partial
// item failures is a valid terminal state (Success remains true); only a
// fatal batch error clears Success.
type SyncResult struct {
	Success     bool
	SyncedItems int
	FailedItems int
	Conflicts   int
	Errors      []string
	StartTime   time.Time
	Duration    time.Duration
}

// SyncStatus is the process-wide derived status snapshot.
type SyncStatus struct {
	IsOnline      bool
	LastSyncAt    time.Time
	PendingCount  int
	FailedCount   int
	IsSyncRunning bool
}

// ConflictKind classifies how local and remote state diverged.
type ConflictKind string

const (
	ConflictVersion  ConflictKind = "version"
	ConflictContent  ConflictKind = "content"
	ConflictDeletion ConflictKind = "deletion"
	ConflictUnknown  ConflictKind = "unknown"
)

// ConflictRecord is constructed when a replay fails with a conflict
// signal. RemotePayload is best effort; it is empty when the transport did
// not surface the server's copy.
type ConflictRecord struct {
	ResourceID    string
	Resource      ResourceKind
	Kind          ConflictKind
	LocalPayload  Payload
	RemotePayload json.RawMessage
	DetectedAt    time.Time
}

// ResolutionAction is the outcome a conflict resolver decides on.
type ResolutionAction string

const (
	// ActionReplayLocal re-attempts the original replay once more; local
	// data overwrites remote.
	ActionReplayLocal ResolutionAction = "replay_local"

	// ActionAcceptRemote discards the local item without replay.
	ActionAcceptRemote ResolutionAction = "accept_remote"

	// ActionMerged replays with a resolver-supplied merged payload.
	ActionMerged ResolutionAction = "merged"

	// ActionManual marks the item failed and leaves it queued for a human.
	ActionManual ResolutionAction = "manual"
)

// Resolution is a conflict resolver's decision for one item.
type Resolution struct {
	Action ResolutionAction

	// Merged is the replacement payload when Action is ActionMerged.
	Merged Payload

	// Reason is recorded on the item and in notifications.
	Reason string
}

// ConflictResolver decides the outcome of a conflicting queue item.
type ConflictResolver interface {
	Resolve(ctx context.Context, item QueueItem, rec ConflictRecord) (Resolution, error)
}
