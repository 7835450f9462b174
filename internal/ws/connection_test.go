package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/hub"
	"chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type mockWS struct {
	readCh      chan any
	writeCh     chan any
	closeCh     chan struct{}
	pings       chan struct{}
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan any, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
		pings:   make(chan struct{}, 10),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) WriteControl(messageType int, _ []byte, _ time.Time) error {
	if messageType == websocket.PingMessage {
		m.pings <- struct{}{}
	}
	return nil
}

func (m *mockWS) SetWriteDeadline(time.Time) error { return nil }

// ReadJSON hands out queued values; raw strings are decoded like a frame.
func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case item := <-m.readCh:
		data, ok := item.(string)
		if !ok {
			b, err := json.Marshal(item)
			if err != nil {
				return err
			}
			data = string(b)
		}
		return json.Unmarshal([]byte(data), v)
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func mustEvent(t *testing.T, eventType models.EventType, payload any) models.Event {
	t.Helper()
	ev, err := models.NewEvent(eventType, payload)
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, m *mockWS) models.Event {
	t.Helper()
	select {
	case v := <-m.writeCh:
		ev, ok := v.(models.Event)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("WS did not receive server event")
		return models.Event{}
	}
}

func TestConnection_RoutesBetweenUsers(t *testing.T) {
	h := hub.New(hub.Config{})
	aliceWS, bobWS := newMockWS(), newMockWS()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceDone := make(chan error, 1)
	bobDone := make(chan error, 1)
	go func() { aliceDone <- NewConnection(h, aliceWS, "alice").Handle(ctx) }()
	go func() { bobDone <- NewConnection(h, bobWS, "bob").Handle(ctx) }()

	aliceWS.readCh <- mustEvent(t, models.EventUserOnline, models.UserOnlinePayload{UserID: "alice"})
	bobWS.readCh <- mustEvent(t, models.EventUserOnline, models.UserOnlinePayload{UserID: "bob"})
	require.Eventually(t, func() bool { return h.IsOnline("alice") && h.IsOnline("bob") }, time.Second, 5*time.Millisecond)

	// A malformed frame is skipped, the connection stays up.
	aliceWS.readCh <- "{oops"
	msg := models.Message{ID: "m1", ConversationID: "ab", SenderID: "alice", Content: models.Content{Text: "hello"}}
	aliceWS.readCh <- mustEvent(t, models.EventSendMessage, models.SendMessageCommand{Message: msg, ReceiverID: "bob"})

	ev := receive(t, bobWS)
	require.Equal(t, models.EventReceiveMessage, ev.Type)
	var payload models.ReceiveMessagePayload
	require.NoError(t, ev.Decode(&payload))
	require.Equal(t, "hello", payload.Message.Content.Text)
	require.Equal(t, "ab", payload.ChatID)

	cancel()
	for _, done := range []chan error{aliceDone, bobDone} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Handle did not return after cancel")
		}
	}

	require.False(t, h.IsOnline("alice"))
	require.False(t, h.IsOnline("bob"))
	require.True(t, aliceWS.isClosed())
	require.True(t, bobWS.isClosed())
}

func TestConnection_Pings(t *testing.T) {
	h := hub.New(hub.Config{})
	m := newMockWS()
	conn := NewConnection(h, m, "user1")
	conn.pingPeriod = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()

	select {
	case <-m.pings:
	case <-time.After(time.Second):
		t.Fatal("no ping sent")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestConnection_WSError(t *testing.T) {
	h := hub.New(hub.Config{})
	m := newMockWS()
	conn := NewConnection(h, m, "user2")

	// Simulate ReadJSON error immediately
	m.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !m.isClosed() {
		t.Error("WS Close not called")
	}
}

type staticAuth map[string]string

func (a staticAuth) GetUserID(token string) (string, error) {
	id, ok := a[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return id, nil
}

func TestServer_HandleConnections(t *testing.T) {
	h := hub.New(hub.Config{})
	srv := NewServer(t.Context(), staticAuth{"good": "alice"}, h, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer bad"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(mustEvent(t, models.EventUserOnline, models.UserOnlinePayload{UserID: "alice"})))
	require.Eventually(t, func() bool { return h.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !h.IsOnline("alice") }, time.Second, 5*time.Millisecond)
}
