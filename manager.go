package walletsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// lastSyncKey is the blob store key holding the last successful sync
// timestamp in RFC 3339 form.
const lastSyncKey = "last_sync_at"

// defaultSyncTimeout bounds engine-initiated sync runs (auto-sync,
// online transitions, server-requested syncs).
const defaultSyncTimeout = 30 * time.Second

// ErrEngineClosed is returned by operations on a closed Engine.
var ErrEngineClosed = errors.New("sync engine is closed")

// Options configures an Engine. Store, Clients and Cache are required;
// everything else has a working default.
type Options struct {
	// Store is the durable operation queue.
	Store QueueStore

	// Clients execute remote operations, one per resource kind.
	Clients []ResourceClient

	// Cache is the local canonical entity store.
	Cache EntityCache

	// Resolver decides conflict outcomes. Defaults to LocalWinsResolver.
	Resolver ConflictResolver

	// Notifier surfaces user-facing messages. Defaults to NopSink.
	Notifier NotificationSink

	// Monitor tracks connectivity. Defaults to a monitor that starts
	// online with the standard debounce.
	Monitor *Monitor

	// Blobs persists the last-sync timestamp. Optional; without it the
	// timestamp resets on restart.
	Blobs BlobStore

	// RealtimeDialer and RealtimeURL enable the push channel. A nil
	// dialer disables realtime silently.
	RealtimeDialer RealtimeDialer
	RealtimeURL    string

	// ReconnectDelay is the realtime reconnect interval. Defaults to
	// DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// SyncTimeout bounds engine-initiated sync runs. Defaults to 30s.
	SyncTimeout time.Duration

	// OnStatusChange, when set, is invoked after every queue mutation and
	// every completed sync run with a fresh status snapshot.
	OnStatusChange func(SyncStatus)
}

// Engine is the sync orchestrator. It owns the single-flight sync gate,
// the auto-sync timer, the realtime channel and the derived status
// snapshot.
type Engine struct {
	store    QueueStore
	cache    EntityCache
	blobs    BlobStore
	notifier NotificationSink
	monitor  *Monitor
	proc     *processor
	channel  *Channel
	logger   *logging.Logger

	syncTimeout    time.Duration
	onStatusChange func(SyncStatus)

	mu         sync.Mutex
	running    bool
	runDone    chan struct{}
	lastSyncAt time.Time
	autoStop   chan struct{}
	closed     bool

	unsubMonitor func()
	unsubStore   func()
}

// New builds an Engine from opts and starts its monitor and queue
// subscriptions. The realtime channel is not connected until the first
// online transition or an explicit ConnectRealtime call.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a queue store")
	}
	if len(opts.Clients) == 0 {
		return nil, errors.New("engine requires at least one resource client")
	}
	if opts.Cache == nil {
		return nil, errors.New("engine requires an entity cache")
	}

	clients := make(map[ResourceKind]ResourceClient, len(opts.Clients))
	for _, c := range opts.Clients {
		if _, dup := clients[c.Resource()]; dup {
			return nil, fmt.Errorf("duplicate client for resource %s", c.Resource())
		}
		clients[c.Resource()] = c
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = LocalWinsResolver{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopSink{}
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = NewMonitor(true, DefaultDebounce)
	}
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}

	e := &Engine{
		store:          opts.Store,
		cache:          opts.Cache,
		blobs:          opts.Blobs,
		notifier:       notifier,
		monitor:        monitor,
		syncTimeout:    syncTimeout,
		onStatusChange: opts.OnStatusChange,
		logger:         logging.WithComponent(logging.Component("engine")),
	}
	e.proc = newProcessor(opts.Store, clients, opts.Cache, resolver, notifier, monitor)
	e.channel = newChannel(
		opts.RealtimeDialer, opts.RealtimeURL,
		opts.Cache, notifier, monitor,
		e.backgroundSync,
		opts.ReconnectDelay,
	)

	e.restoreLastSync()

	e.unsubMonitor = monitor.Subscribe(e.onConnectivityChange)
	e.unsubStore = opts.Store.Subscribe(e.notifyStatus)

	if monitor.Online() {
		e.channel.Connect()
	}
	return e, nil
}

func (e *Engine) restoreLastSync() {
	if e.blobs == nil {
		return
	}
	data, err := e.blobs.Get(context.Background(), lastSyncKey)
	if err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			e.logger.Warn("restore last-sync timestamp failed", slog.String("error", err.Error()))
		}
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		e.logger.Warn("discarding corrupt last-sync timestamp", slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	e.lastSyncAt = ts
	e.mu.Unlock()
}

func (e *Engine) persistLastSync(ctx context.Context, ts time.Time) {
	if e.blobs == nil {
		return
	}
	if err := e.blobs.Set(ctx, lastSyncKey, []byte(ts.Format(time.RFC3339Nano))); err != nil {
		e.logger.Warn("persist last-sync timestamp failed", slog.String("error", err.Error()))
	}
}

// onConnectivityChange reacts to debounced monitor transitions: coming
// online triggers a background sync and a realtime connect.
func (e *Engine) onConnectivityChange(online bool) {
	if !online {
		return
	}
	e.logger.Info("connectivity restored, scheduling sync")
	e.channel.Connect()
	go e.backgroundSync()
}

// backgroundSync runs a bounded, notification-suppressed sync. Used by the
// auto-sync timer, online transitions and server-requested syncs.
func (e *Engine) backgroundSync() {
	ctx, cancel := context.WithTimeout(context.Background(), e.syncTimeout)
	defer cancel()
	e.Sync(ctx, SyncOptions{Background: true}) //nolint:errcheck
}

// Sync drains the queue once. At most one drain runs at a time: a second
// call fails fast with "sync already in progress" unless opts.Force is
// set, in which case it waits for the current run to finish and then
// takes the gate itself. Offline devices fail fast without touching the
// queue.
//
// The returned error is non-nil only for a closed engine or a cancelled
// Force wait; all sync outcomes, including failures, live in SyncResult.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	e.mu.Lock()
	for {
		if e.closed {
			e.mu.Unlock()
			return nil, ErrEngineClosed
		}
		if !e.running {
			break
		}
		if !opts.Force {
			e.mu.Unlock()
			return &SyncResult{
				Success:   false,
				Errors:    []string{"sync already in progress"},
				StartTime: time.Now(),
			}, nil
		}
		done := e.runDone
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
		e.mu.Lock()
	}
	e.running = true
	e.runDone = make(chan struct{})
	e.mu.Unlock()

	result := e.proc.drain(ctx, opts.RetryFailed)

	now := time.Now()
	e.mu.Lock()
	if result.Success {
		e.lastSyncAt = now
	}
	e.running = false
	close(e.runDone)
	e.mu.Unlock()

	if result.Success {
		e.persistLastSync(ctx, now)
	}
	e.notifyStatus()

	if !result.Success && !opts.Background {
		e.notifier.Notify(ctx, Notification{
			Type:    "error",
			Title:   "Sync failed",
			Message: firstError(result),
		})
	}

	e.logger.Info("sync finished",
		slog.Bool("success", result.Success),
		slog.Int("synced", result.SyncedItems),
		slog.Int("failed", result.FailedItems),
		slog.Int("conflicts", result.Conflicts),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func firstError(r *SyncResult) string {
	if len(r.Errors) > 0 {
		return r.Errors[0]
	}
	return "sync failed"
}

// RetryFailedItems zeroes the retry count of all failed items and drains
// the queue including them.
func (e *Engine) RetryFailedItems(ctx context.Context) (*SyncResult, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, item := range snap.Items {
		if item.Failed() {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) > 0 {
		e.store.ResetRetries(ctx, ids)
	}
	return e.Sync(ctx, SyncOptions{RetryFailed: true})
}

// StartAutoSync starts periodic background syncing. Starting while a
// previous timer is active stops it first.
func (e *Engine) StartAutoSync(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("auto-sync interval must be positive")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.autoStop != nil {
		close(e.autoStop)
	}
	stop := make(chan struct{})
	e.autoStop = stop
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if e.monitor.Online() {
					e.backgroundSync()
				}
			}
		}
	}()

	e.logger.Info("auto-sync started", slog.Duration("interval", interval))
	return nil
}

// StopAutoSync stops the periodic timer.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoStop == nil {
		return errors.New("auto-sync is not running")
	}
	close(e.autoStop)
	e.autoStop = nil
	e.logger.Info("auto-sync stopped")
	return nil
}

// Status returns the current derived status snapshot. Queue counters fall
// back to zero when the store cannot serve a snapshot.
func (e *Engine) Status() SyncStatus {
	snap, err := e.store.Snapshot()
	if err != nil {
		e.logger.Warn("status snapshot degraded", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		IsOnline:      e.monitor.Online(),
		LastSyncAt:    e.lastSyncAt,
		PendingCount:  snap.PendingCount,
		FailedCount:   snap.FailedCount,
		IsSyncRunning: e.running,
	}
}

func (e *Engine) notifyStatus() {
	if e.onStatusChange == nil {
		return
	}
	e.onStatusChange(e.Status())
}

// Enqueue records a local mutation for later replay and returns its queue
// ID. If the device is online a background drain is kicked off
// immediately.
func (e *Engine) Enqueue(ctx context.Context, p Payload, priority Priority) string {
	id := e.store.Enqueue(ctx, p, priority)
	if e.monitor.Online() {
		go e.backgroundSync()
	}
	return id
}

// SendRealtime transmits an envelope over the push channel. A disconnected
// channel makes this a logged no-op.
func (e *Engine) SendRealtime(ctx context.Context, env Envelope) error {
	return e.channel.Send(ctx, env)
}

// ConnectRealtime explicitly starts the push channel.
func (e *Engine) ConnectRealtime() { e.channel.Connect() }

// RealtimeState returns the push channel's connection state.
func (e *Engine) RealtimeState() ChannelState { return e.channel.State() }

// Monitor exposes the connectivity monitor so platform glue can feed raw
// transitions into it.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Close shuts the engine down: subscriptions are cancelled, the auto-sync
// timer stops and the realtime channel disconnects. Idempotent. In-flight
// sync runs finish on their own.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.autoStop != nil {
		close(e.autoStop)
		e.autoStop = nil
	}
	e.mu.Unlock()

	e.unsubMonitor()
	e.unsubStore()
	e.channel.Disconnect()
	e.logger.Info("sync engine closed")
	return nil
}
