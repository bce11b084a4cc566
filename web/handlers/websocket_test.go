package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketHubBroadcast(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	client := &MockClient{SendChan: make(chan []byte, 4)}
	hub.Register(client)

	hub.Broadcast(EventMessage{Type: "session.created", SessionID: "sess-1"})

	select {
	case data := <-client.SendChan:
		var msg EventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "session.created", msg.Type)
		assert.Equal(t, "sess-1", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestWebSocketHubDropsSlowClients(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	// Zero-capacity channel with nobody receiving: the broadcast send cannot
	// complete, so the hub must disconnect the client. The channel is not read
	// until after the drop, otherwise the pending receive would let the send
	// rendezvous and the client would look responsive.
	slow := &MockClient{SendChan: make(chan []byte)}
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.Broadcast(EventMessage{Type: "session.updated", SessionID: "sess-1"})

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 5*time.Millisecond, "slow client was not dropped")

	// The dropped client's channel is closed, so this receive returns
	// immediately rather than handing the hub a late rendezvous.
	_, ok := <-slow.SendChan
	assert.False(t, ok, "slow client channel should be closed")
}

func TestWebSocketHubUnregisterAfterStop(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()

	client := &MockClient{SendChan: make(chan []byte, 1)}
	hub.Register(client)
	hub.Stop()

	// Pumps tear down by unregistering; after Stop nobody services the
	// channel, so this must return instead of blocking forever.
	done := make(chan struct{})
	go func() {
		hub.Unregister(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after hub stop")
	}
}
