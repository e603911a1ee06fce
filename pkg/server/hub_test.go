package server

import (
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corvith/match-server/pkg/events"
	"github.com/corvith/match-server/pkg/messages"
	"github.com/corvith/match-server/pkg/session"
	"github.com/corvith/match-server/pkg/store"
)

func newTestHub(t *testing.T) (*Hub, *events.Publisher) {
	t.Helper()

	mr := miniredis.RunT(t)
	logger := zap.NewNop()

	st, err := store.New("redis://"+mr.Addr(), logger)
	require.NoError(t, err)

	publisher := events.NewPublisher()
	manager := session.NewManager(st, publisher, logger,
		session.WithTickPeriod(time.Minute))

	hub := NewHub(manager, publisher, logger)
	manager.SetBroadcaster(hub)
	return hub, publisher
}

// newTestConnection builds a connection without a live websocket. Only the
// send channel is exercised; the pumps are never started.
func newTestConnection(hub *Hub) *Connection {
	return NewConnection(nil, hub, zap.NewNop())
}

func receive(t *testing.T, conn *Connection) messages.OutboundMessage {
	t.Helper()

	select {
	case raw := <-conn.send:
		var msg messages.OutboundMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message on the send channel")
		return messages.OutboundMessage{}
	}
}

func TestRegisterSendsConnected(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newTestConnection(hub)

	hub.registerConnection(conn)

	msg := receive(t, conn)
	assert.Equal(t, messages.EventConnected, msg.Event)

	payload, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var connected messages.ConnectedPayload
	require.NoError(t, json.Unmarshal(payload, &connected))
	assert.Equal(t, conn.ID.String(), connected.ConnectionID)
}

func TestEmitReachesGroupMembers(t *testing.T) {
	hub, _ := newTestHub(t)
	a := newTestConnection(hub)
	b := newTestConnection(hub)
	outsider := newTestConnection(hub)

	hub.registerConnection(a)
	hub.registerConnection(b)
	hub.registerConnection(outsider)
	<-a.send
	<-b.send
	<-outsider.send

	hub.JoinGroup("s1", a.ID.String())
	hub.JoinGroup("s1", b.ID.String())
	assert.Equal(t, 2, hub.GroupSize("s1"))

	hub.Emit("s1", messages.EventClockUpdate, messages.ClockUpdatePayload{SessionID: "s1"})

	assert.Equal(t, messages.EventClockUpdate, receive(t, a).Event)
	assert.Equal(t, messages.EventClockUpdate, receive(t, b).Event)

	select {
	case raw := <-outsider.send:
		t.Fatalf("outsider received %s", raw)
	default:
	}
}

func TestEmitToUnknownConnectionIsNoop(t *testing.T) {
	hub, _ := newTestHub(t)

	// Must not panic or block.
	hub.EmitTo("nope", messages.EventError, messages.ErrorPayload{Message: "x"})
}

func TestJoinGroupIgnoresUnknownConnection(t *testing.T) {
	hub, _ := newTestHub(t)

	hub.JoinGroup("s1", "ghost")
	assert.Equal(t, 0, hub.GroupSize("s1"))
}

func TestUnregisterPublishesConnectionClosed(t *testing.T) {
	hub, publisher := newTestHub(t)
	hub.graceWindow = time.Hour // keep the cleanup check out of this test

	closed := make(chan events.ConnectionClosedPayload, 1)
	publisher.Subscribe(events.EventConnectionClosed, func(event events.Event) {
		if payload, ok := event.Payload.(events.ConnectionClosedPayload); ok {
			closed <- payload
		}
	})

	conn := newTestConnection(hub)
	hub.registerConnection(conn)
	<-conn.send
	hub.JoinGroup("s1", conn.ID.String())

	hub.unregisterConnection(conn)

	select {
	case payload := <-closed:
		assert.Equal(t, conn.ID.String(), payload.ConnectionID)
		assert.Equal(t, []string{"s1"}, payload.SessionIDs)
	case <-time.After(time.Second):
		t.Fatal("expected a connection closed event")
	}

	assert.Equal(t, 0, hub.GroupSize("s1"))

	// A second unregister is a no-op.
	hub.unregisterConnection(conn)
}

func TestRunDispatchesInboundWithoutSerializing(t *testing.T) {
	hub, _ := newTestHub(t)
	go hub.Run()

	conns := make([]*Connection, 3)
	for i := range conns {
		conns[i] = newTestConnection(hub)
		hub.Register(conns[i])
		assert.Equal(t, messages.EventConnected, receive(t, conns[i]).Event)
	}

	// Each action hits the store before it fails; none of them may hold up
	// the hub loop for the others, so every sender gets its rejection back.
	payload, err := json.Marshal(messages.JoinSessionPayload{SessionID: "no-such-session"})
	require.NoError(t, err)
	for _, conn := range conns {
		hub.inbound <- InboundHubMessage{
			Conn:    conn,
			Message: messages.InboundMessage{Type: messages.ActionJoinSession, Payload: payload},
		}
	}

	for _, conn := range conns {
		msg := receive(t, conn)
		assert.Equal(t, messages.EventError, msg.Event)
	}
}

func TestSessionTerminatedDropsGroup(t *testing.T) {
	hub, publisher := newTestHub(t)
	conn := newTestConnection(hub)
	hub.registerConnection(conn)
	<-conn.send
	hub.JoinGroup("s1", conn.ID.String())

	publisher.Publish(events.Event{
		Type:      events.EventSessionTerminated,
		SessionID: "s1",
	})

	assert.Eventually(t, func() bool {
		return hub.GroupSize("s1") == 0
	}, time.Second, 10*time.Millisecond)
}
