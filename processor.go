package walletsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	syncErrors "github.com/c0deZ3R0/wallet-sync-kit/errors"
	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// processor drains the durable queue against the backend. It owns item-level
// retry accounting and conflict routing; the Engine above it owns run-level
// gating, timers and status.
type processor struct {
	store    QueueStore
	clients  map[ResourceKind]ResourceClient
	cache    EntityCache
	resolver ConflictResolver
	notifier NotificationSink
	monitor  *Monitor
	logger   *logging.Logger
	running  atomic.Bool
}

func newProcessor(
	store QueueStore,
	clients map[ResourceKind]ResourceClient,
	cache EntityCache,
	resolver ConflictResolver,
	notifier NotificationSink,
	monitor *Monitor,
) *processor {
	return &processor{
		store:    store,
		clients:  clients,
		cache:    cache,
		resolver: resolver,
		notifier: notifier,
		monitor:  monitor,
		logger:   logging.WithComponent(logging.Component("processor")),
	}
}

// drain processes the candidate set captured at the start of the run. Items
// enqueued while a drain is in flight wait for the next run.
//
// includeFailed widens the candidate set to items with a non-zero retry
// count that have not yet hit the failure threshold.
func (p *processor) drain(ctx context.Context, includeFailed bool) *SyncResult {
	result := &SyncResult{Success: true, StartTime: time.Now()}
	defer func() { result.Duration = time.Since(result.StartTime) }()

	if !p.monitor.Online() {
		result.Success = false
		result.Errors = append(result.Errors, "device is offline")
		return result
	}
	if !p.running.CompareAndSwap(false, true) {
		result.Success = false
		result.Errors = append(result.Errors, "drain already running")
		return result
	}
	defer p.running.Store(false)

	snap, err := p.store.Snapshot()
	if err != nil {
		// Batch-level failure: nothing was attempted, the queue survives
		// untouched for the next run.
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("queue unavailable: %v", err))
		p.logger.LogError(ctx, err, "drain aborted")
		return result
	}

	candidates := make([]QueueItem, 0, len(snap.Items))
	for _, item := range snap.Items {
		if item.Failed() {
			continue
		}
		if item.RetryCount > 0 && !includeFailed {
			continue
		}
		candidates = append(candidates, item)
	}

	p.logger.Info("draining queue",
		slog.Int("candidates", len(candidates)),
		slog.Bool("include_failed", includeFailed))

	for _, item := range candidates {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("drain interrupted: %v", ctx.Err()))
			break
		}
		p.processItem(ctx, item, result)
	}
	return result
}

func (p *processor) processItem(ctx context.Context, item QueueItem, result *SyncResult) {
	client, ok := p.clients[item.Resource()]
	if !ok {
		p.store.MarkFailed(ctx, item.ID, fmt.Sprintf("no client for resource %s", item.Resource()))
		result.FailedItems++
		result.Errors = append(result.Errors, itemError(item, fmt.Errorf("no client for resource %s", item.Resource())))
		return
	}

	entity, err := client.Execute(ctx, item.Payload)
	if err == nil {
		p.applySuccess(ctx, item, entity)
		result.SyncedItems++
		return
	}

	if syncErrors.IsConflict(err) {
		result.Conflicts++
		p.handleConflict(ctx, client, item, err, result)
		return
	}

	p.store.MarkRetried(ctx, item.ID, err.Error())
	result.FailedItems++
	result.Errors = append(result.Errors, itemError(item, err))
	p.logger.Warn("replay failed",
		slog.String("item", item.ID),
		slog.String("resource", string(item.Resource())),
		slog.String("kind", syncErrors.KindOf(err).String()),
		slog.Int("retry_count", item.RetryCount+1))
}

// applySuccess reconciles the local cache with the server's canonical entity
// and removes the item from the queue.
func (p *processor) applySuccess(ctx context.Context, item QueueItem, entity *Entity) {
	res := item.Resource()
	switch {
	case item.Operation() == OpDelete:
		if err := p.cache.DeleteEntity(ctx, res, item.Payload.TargetID()); err != nil {
			p.logger.LogError(ctx, err, "cache delete after replay")
		}
	case entity != nil && len(entity.Data) > 0:
		var err error
		if item.Operation() == OpUpdate {
			err = p.cache.UpdateEntity(ctx, res, entity.ID, entity.Data)
		} else {
			err = p.cache.SaveEntity(ctx, res, entity.ID, entity.Data)
		}
		if err != nil {
			p.logger.LogError(ctx, err, "cache write after replay")
		}
	}
	p.store.Dequeue(ctx, item.ID)
}

func (p *processor) handleConflict(ctx context.Context, client ResourceClient, item QueueItem, cause error, result *SyncResult) {
	rec := ConflictRecord{
		ResourceID:    item.Payload.TargetID(),
		Resource:      item.Resource(),
		Kind:          conflictKindOf(syncErrors.KindOf(cause)),
		LocalPayload:  item.Payload,
		RemotePayload: syncErrors.RemoteOf(cause),
		DetectedAt:    time.Now(),
	}
	p.logger.Info("conflict detected",
		slog.String("item", item.ID),
		slog.String("resource", string(rec.Resource)),
		slog.String("conflict_kind", string(rec.Kind)))

	resolution, err := p.resolver.Resolve(ctx, item, rec)
	if err != nil {
		// A broken resolver must not drop the item; escalate instead.
		p.escalate(ctx, item, rec, fmt.Sprintf("resolver error: %v", err), result)
		return
	}

	switch resolution.Action {
	case ActionReplayLocal:
		p.replay(ctx, client, item, item.Payload, result)

	case ActionMerged:
		if resolution.Merged == nil {
			p.escalate(ctx, item, rec, "merge resolution returned no payload", result)
			return
		}
		p.replay(ctx, client, item, resolution.Merged, result)

	case ActionAcceptRemote:
		if rec.Kind == ConflictDeletion {
			if err := p.cache.DeleteEntity(ctx, rec.Resource, rec.ResourceID); err != nil {
				p.logger.LogError(ctx, err, "cache delete accepting remote")
			}
		} else if len(rec.RemotePayload) > 0 {
			if err := p.cache.SaveEntity(ctx, rec.Resource, rec.ResourceID, rec.RemotePayload); err != nil {
				p.logger.LogError(ctx, err, "cache write accepting remote")
			}
		}
		p.store.Dequeue(ctx, item.ID)
		p.logger.Info("conflict resolved, remote accepted",
			slog.String("item", item.ID),
			slog.String("reason", resolution.Reason))

	default:
		p.escalate(ctx, item, rec, resolution.Reason, result)
	}
}

// replay re-attempts the operation once with the chosen payload. A second
// failure of any kind is recorded as a retry; the item stays queued.
func (p *processor) replay(ctx context.Context, client ResourceClient, item QueueItem, payload Payload, result *SyncResult) {
	entity, err := client.Execute(ctx, payload)
	if err != nil {
		p.store.MarkRetried(ctx, item.ID, err.Error())
		result.FailedItems++
		result.Errors = append(result.Errors, itemError(item, err))
		p.logger.Warn("conflict replay failed",
			slog.String("item", item.ID),
			slog.String("kind", syncErrors.KindOf(err).String()))
		return
	}
	p.applySuccess(ctx, item, entity)
	result.SyncedItems++
}

// escalate pins the item at the failure threshold and surfaces the conflict
// to the user for manual resolution.
func (p *processor) escalate(ctx context.Context, item QueueItem, rec ConflictRecord, reason string, result *SyncResult) {
	if reason == "" {
		reason = "manual resolution required"
	}
	p.store.MarkFailed(ctx, item.ID, reason)
	result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s: %s",
		item.Operation(), item.Resource(), rec.ResourceID, reason))
	p.notifier.Notify(ctx, Notification{
		Type:  "conflict",
		Title: "Sync conflict requires attention",
		Message: fmt.Sprintf("%s %s %s: %s",
			item.Operation(), item.Resource(), rec.ResourceID, reason),
	})
	p.logger.Warn("conflict escalated",
		slog.String("item", item.ID),
		slog.String("resource_id", rec.ResourceID),
		slog.String("reason", reason))
}

func itemError(item QueueItem, err error) string {
	return fmt.Sprintf("%s %s: %v", item.Operation(), item.Resource(), err)
}

func conflictKindOf(k syncErrors.Kind) ConflictKind {
	switch k {
	case syncErrors.KindVersionConflict:
		return ConflictVersion
	case syncErrors.KindContentConflict:
		return ConflictContent
	case syncErrors.KindDeletionConflict:
		return ConflictDeletion
	default:
		return ConflictUnknown
	}
}
