package resource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/types"
)

func startEchoServer(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func collector() (MessageHandler, <-chan string) {
	received := make(chan string, 16)
	return func(messageType int, data []byte) {
		received <- string(data)
	}, received
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case message := <-ch:
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func TestWebSocketConnection_SharedThroughManager(t *testing.T) {
	url := startEchoServer(t)
	log := logger.NewNopLogger()

	m, err := NewManager(DialWebSocket(log, &types.ResourcesConfig{HandshakeTimeout: time.Second}), log)
	require.NoError(t, err)

	firstHandler, firstReceived := collector()
	res, err := m.Acquire(context.Background(), url, &WebSocketConfig{Handler: firstHandler})
	require.NoError(t, err)

	conn, ok := res.(*WebSocketConnection)
	require.True(t, ok)
	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, url, conn.URL())
	assert.True(t, conn.Connected())

	require.NoError(t, conn.Send(websocket.TextMessage, []byte("ping-1")))
	assert.Equal(t, "ping-1", receive(t, firstReceived))

	secondHandler, secondReceived := collector()
	again, err := m.Acquire(context.Background(), url, secondHandler)
	require.NoError(t, err)
	assert.Same(t, conn, again)

	require.NoError(t, conn.SendJSON(map[string]string{"op": "subscribe"}))
	assert.JSONEq(t, `{"op":"subscribe"}`, receive(t, secondReceived))
	assert.Empty(t, firstReceived)

	require.NoError(t, m.Release(url))
	assert.True(t, conn.Connected())

	require.NoError(t, m.Release(url))
	assert.False(t, conn.Connected())
	assert.ErrorIs(t, conn.Send(websocket.TextMessage, []byte("late")), types.ErrConnectionClosed)
	assert.NoError(t, conn.Disconnect())
}

func TestDialWebSocket_Failures(t *testing.T) {
	factory := DialWebSocket(logger.NewNopLogger(), nil)

	_, err := factory(context.Background(), "ws://127.0.0.1:1/unreachable", nil)
	assert.Error(t, err)

	_, err = factory(context.Background(), "ws://example.invalid", 42)
	assert.ErrorIs(t, err, types.ErrUnexpectedType)
}

func TestWebSocketConnection_ReconfigureRejectsUnknownConfig(t *testing.T) {
	url := startEchoServer(t)

	res, err := DialWebSocket(logger.NewNopLogger(), nil)(context.Background(), url, nil)
	require.NoError(t, err)
	conn := res.(*WebSocketConnection)
	defer conn.Disconnect()

	assert.ErrorIs(t, conn.Reconfigure("not a handler"), types.ErrUnexpectedType)
	assert.NoError(t, conn.Reconfigure(nil))
}
