package walletsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/wallet-sync-kit/logging"
)

// ChannelState is the realtime connection lifecycle state.
type ChannelState int

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultReconnectDelay is the fixed interval between reconnect attempts
// while the device is online.
const DefaultReconnectDelay = 5 * time.Second

// Envelope is the wire format for realtime messages in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message types. Resource update pushes bypass the queue entirely
// and are applied straight to the entity cache.
const (
	MsgCredentialUpdated = "credential-updated"
	MsgConnectionUpdated = "connection-updated"
	MsgProfileUpdated    = "profile-updated"
	MsgSyncRequested     = "sync-requested"
	MsgNotification      = "notification"
)

func resourceForType(typ string) (ResourceKind, bool) {
	switch typ {
	case MsgCredentialUpdated:
		return ResourceCredential, true
	case MsgConnectionUpdated:
		return ResourceConnection, true
	case MsgProfileUpdated:
		return ResourceProfile, true
	default:
		return "", false
	}
}

// Channel maintains the realtime push connection to the wallet backend. It
// reconnects on a fixed delay while the device is online and goes quiet
// while offline; the engine reconnects it on the next online transition.
type Channel struct {
	dialer          RealtimeDialer
	url             string
	cache           EntityCache
	notifier        NotificationSink
	monitor         *Monitor
	onSyncRequested func()
	reconnectDelay  time.Duration
	dialTimeout     time.Duration
	logger          *logging.Logger

	mu             sync.Mutex
	state          ChannelState
	conn           RealtimeConn
	reconnectTimer *time.Timer
	gen            int
}

func newChannel(
	dialer RealtimeDialer,
	url string,
	cache EntityCache,
	notifier NotificationSink,
	monitor *Monitor,
	onSyncRequested func(),
	reconnectDelay time.Duration,
) *Channel {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Channel{
		dialer:          dialer,
		url:             url,
		cache:           cache,
		notifier:        notifier,
		monitor:         monitor,
		onSyncRequested: onSyncRequested,
		reconnectDelay:  reconnectDelay,
		dialTimeout:     15 * time.Second,
		logger:          logging.WithComponent(logging.Component("realtime")),
	}
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting in the background. A nil dialer or empty URL
// means the environment has no realtime support; Connect is then a no-op.
// Connecting while already connected or connecting is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.dialer == nil || c.url == "" || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Channel) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("realtime connect failed", slog.String("error", err.Error()))
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("realtime channel connected")
	go c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn RealtimeConn, gen int) {
	ctx := context.Background()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("realtime channel lost", slog.String("error", cause.Error()))
}

// scheduleReconnectLocked arms the reconnect timer. Reconnects only run
// while the device is online; after an offline transition the engine's
// monitor subscription triggers Connect again.
func (c *Channel) scheduleReconnectLocked() {
	if c.monitor != nil && !c.monitor.Online() {
		c.logger.Info("device offline, suspending realtime reconnect")
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.Connect)
}

// handleMessage dispatches one inbound envelope. Unparsable and unknown
// messages are logged and dropped; they never disturb the connection.
func (c *Channel) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping unparsable realtime message", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case MsgSyncRequested:
		if c.onSyncRequested != nil {
			// Off the read loop so a long drain cannot stall inbound pushes.
			go c.onSyncRequested()
		}

	case MsgNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			c.logger.Warn("dropping malformed notification push", slog.String("error", err.Error()))
			return
		}
		c.notifier.Notify(context.Background(), n)

	default:
		res, ok := resourceForType(env.Type)
		if !ok {
			c.logger.Debug("ignoring unknown realtime message", slog.String("type", env.Type))
			return
		}
		c.applyResourceUpdate(res, env.Data)
	}
}

// applyResourceUpdate writes a pushed entity straight into the cache,
// bypassing the queue. The push carries the server's canonical copy.
func (c *Channel) applyResourceUpdate(res ResourceKind, data json.RawMessage) {
	var entity struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.Unmarshal(data, &entity); err != nil || entity.ID == "" {
		c.logger.Warn("dropping resource push without id", slog.String("resource", string(res)))
		return
	}

	ctx := context.Background()
	if entity.Deleted {
		if err := c.cache.DeleteEntity(ctx, res, entity.ID); err != nil {
			c.logger.LogError(ctx, err, "apply pushed deletion")
		}
		return
	}
	if err := c.cache.UpdateEntity(ctx, res, entity.ID, data); err != nil {
		c.logger.LogError(ctx, err, "apply pushed update")
	}
	c.logger.Debug("applied realtime update",
		slog.String("resource", string(res)),
		slog.String("id", entity.ID))
}

// Send transmits an envelope to the server. Sending while not connected is
// a logged no-op; realtime delivery is best effort by design of the
// transport, queued mutations never travel this path.
func (c *Channel) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("realtime channel not connected, dropping outbound message",
			slog.String("type", env.Type))
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

// Disconnect tears down the connection and cancels any pending reconnect.
// Idempotent; Connect may be called again afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
