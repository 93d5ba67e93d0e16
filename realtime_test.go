package walletsync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func newTestChannel(dialer RealtimeDialer, cache EntityCache, notifier NotificationSink, monitor *Monitor, onSync func()) *Channel {
	if cache == nil {
		cache = newStubCache()
	}
	if notifier == nil {
		notifier = NopSink{}
	}
	if monitor == nil {
		monitor = NewMonitor(true, time.Millisecond)
	}
	ch := newChannel(dialer, "wss://wallet.example/push", cache, notifier, monitor, onSync, 20*time.Millisecond)
	ch.dialTimeout = time.Second
	return ch
}

func TestChannelConnects(t *testing.T) {
	dialer := &MockDialer{}
	ch := newTestChannel(dialer, nil, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d", dialer.Dials())
	}
}

func TestChannelNilDialerIsDisabled(t *testing.T) {
	ch := newTestChannel(nil, nil, nil, nil, nil)
	ch.Connect()
	if ch.State() != StateDisconnected {
		t.Errorf("state = %s", ch.State())
	}
}

func TestChannelConnectWhileConnectedIsNoOp(t *testing.T) {
	dialer := &MockDialer{}
	ch := newTestChannel(dialer, nil, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })
	ch.Connect()
	time.Sleep(20 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d", dialer.Dials())
	}
}

func TestResourcePushBypassesQueue(t *testing.T) {
	dialer := &MockDialer{}
	cache := newStubCache()
	ch := newTestChannel(dialer, cache, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	dialer.LastConn().Push([]byte(`{"type":"credential-updated","data":{"id":"cred-9","version":4,"type":"Email"}}`))
	waitFor(t, time.Second, func() bool {
		_, err := cache.GetEntity(context.Background(), ResourceCredential, "cred-9")
		return err == nil
	})
}

func TestDeletionPushRemovesEntity(t *testing.T) {
	dialer := &MockDialer{}
	cache := newStubCache()
	cache.SaveEntity(context.Background(), ResourceConnection, "conn-1", json.RawMessage(`{"id":"conn-1"}`))
	ch := newTestChannel(dialer, cache, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	dialer.LastConn().Push([]byte(`{"type":"connection-updated","data":{"id":"conn-1","deleted":true}}`))
	waitFor(t, time.Second, func() bool {
		_, err := cache.GetEntity(context.Background(), ResourceConnection, "conn-1")
		return err != nil
	})
}

func TestSyncRequestedPushTriggersCallback(t *testing.T) {
	dialer := &MockDialer{}
	var fired atomic.Bool
	ch := newTestChannel(dialer, nil, nil, nil, func() { fired.Store(true) })
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	dialer.LastConn().Push([]byte(`{"type":"sync-requested"}`))
	waitFor(t, time.Second, fired.Load)
}

func TestNotificationPushReachesSink(t *testing.T) {
	dialer := &MockDialer{}
	notifier := &MockNotifier{}
	ch := newTestChannel(dialer, nil, notifier, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	dialer.LastConn().Push([]byte(`{"type":"notification","data":{"Type":"info","Title":"New share","Message":"Alice shared a credential"}}`))
	waitFor(t, time.Second, func() bool { return len(notifier.Notifications()) == 1 })

	if got := notifier.Notifications()[0]; got.Title != "New share" {
		t.Errorf("notification = %+v", got)
	}
}

func TestMalformedPushIsDroppedWithoutDisconnect(t *testing.T) {
	dialer := &MockDialer{}
	cache := newStubCache()
	ch := newTestChannel(dialer, cache, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	conn := dialer.LastConn()
	conn.Push([]byte(`not json at all`))
	conn.Push([]byte(`{"type":"unknown-thing","data":{}}`))
	conn.Push([]byte(`{"type":"profile-updated","data":{"id":"prof-1","display_name":"Me"}}`))

	// The well-formed message after the garbage still lands.
	waitFor(t, time.Second, func() bool {
		_, err := cache.GetEntity(context.Background(), ResourceProfile, "prof-1")
		return err == nil
	})
	if ch.State() != StateConnected {
		t.Errorf("state = %s", ch.State())
	}
}

func TestChannelReconnectsWhileOnline(t *testing.T) {
	dialer := &MockDialer{}
	ch := newTestChannel(dialer, nil, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	dialer.LastConn().Close()
	waitFor(t, time.Second, func() bool { return dialer.Dials() == 2 })
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })
}

func TestChannelStaysDownWhileOffline(t *testing.T) {
	dialer := &MockDialer{}
	monitor := NewMonitor(true, time.Millisecond)
	ch := newTestChannel(dialer, nil, nil, monitor, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	monitor.SetOnline(false)
	dialer.LastConn().Close()
	waitFor(t, time.Second, func() bool { return ch.State() == StateDisconnected })

	time.Sleep(100 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("offline channel dialled %d times", dialer.Dials())
	}
}

func TestSendWhileDisconnectedIsNoOp(t *testing.T) {
	ch := newTestChannel(&MockDialer{}, nil, nil, nil, nil)
	if err := ch.Send(context.Background(), Envelope{Type: "presence"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendWhileConnectedWrites(t *testing.T) {
	dialer := &MockDialer{}
	ch := newTestChannel(dialer, nil, nil, nil, nil)
	defer ch.Disconnect()

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	if err := ch.Send(context.Background(), Envelope{Type: "presence", Data: json.RawMessage(`{"status":"active"}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	written := dialer.LastConn().Written()
	if len(written) != 1 {
		t.Fatalf("written = %d frames", len(written))
	}
	var env Envelope
	if err := json.Unmarshal(written[0], &env); err != nil || env.Type != "presence" {
		t.Errorf("frame = %s", written[0])
	}
}

func TestDisconnectIsIdempotentAndStopsReconnect(t *testing.T) {
	dialer := &MockDialer{}
	ch := newTestChannel(dialer, nil, nil, nil, nil)

	ch.Connect()
	waitFor(t, time.Second, func() bool { return ch.State() == StateConnected })

	ch.Disconnect()
	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Errorf("state = %s", ch.State())
	}

	time.Sleep(100 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("disconnected channel dialled %d times", dialer.Dials())
	}
}
