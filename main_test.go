package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/channel"
	"chatsync/internal/client"
	"chatsync/internal/models"
	"chatsync/internal/session"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

type participant struct {
	user    models.User
	client  *client.Client
	session *session.Session
}

func join(t *testing.T, ctx context.Context, adminAddr, apiAddr, username string) *participant {
	t.Helper()

	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, Password: "password123"})
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var added api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	require.True(t, added.Success)

	c := client.New("http://" + apiAddr)
	_, err = c.Login(ctx, username, "password123")
	require.NoError(t, err)
	return &participant{user: *added.User, client: c}
}

func (p *participant) start(t *testing.T, ctx context.Context) {
	t.Helper()
	eventsURL, err := p.client.EventsURL()
	require.NoError(t, err)

	s, err := session.New(session.Config{
		UserID:       p.user.ID,
		Channel:      channel.New(eventsURL, p.client.Token()),
		Store:        p.client,
		TypingWindow: time.Second,
	})
	require.NoError(t, err)
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Connect(ctx))
	p.session = s
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)

	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("CHATSYNC_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("NATS_URL", "")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- run(ctx, nil) }()
	defer func() {
		cancel()
		select {
		case err := <-serverDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/metrics", adminAddr), 50)
	waitForServer(t, fmt.Sprintf("http://%s/api/me", apiAddr), 50)

	alice := join(t, ctx, adminAddr, apiAddr, "alice")
	bob := join(t, ctx, adminAddr, apiAddr, "bob")

	conv, err := alice.client.CreateConversation(ctx, models.CreateConversationRequest{OtherUserID: bob.user.ID})
	require.NoError(t, err)

	alice.start(t, ctx)
	bob.start(t, ctx)

	// Presence: each side learns the other is online.
	require.Eventually(t, func() bool {
		return alice.session.Snapshot().Online[bob.user.ID] && bob.session.Snapshot().Online[alice.user.ID]
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.session.Open(ctx, conv.ID))

	// Message path: bob's list shows the new message without opening it.
	sent, err := alice.session.Send(ctx, conv.ID, models.Content{Text: "hello bob"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := bob.session.Snapshot()
		return len(snap.Conversations) == 1 &&
			snap.Conversations[0].LastActivity != nil &&
			snap.Conversations[0].LastActivity.ID == sent.ID
	}, 5*time.Second, 10*time.Millisecond)

	// Typing reaches bob once the conversation is open on his side.
	require.NoError(t, bob.session.Open(ctx, conv.ID))
	require.Len(t, bob.session.Snapshot().Transcript, 1)
	require.NoError(t, alice.session.Compose(conv.ID))
	require.Eventually(t, func() bool {
		return bob.session.Snapshot().Typing[alice.user.ID]
	}, 5*time.Second, 10*time.Millisecond)

	// Read receipts: opening marked the message read and alice hears about it.
	require.Eventually(t, func() bool {
		transcript := alice.session.Snapshot().Transcript
		return len(transcript) == 1 && transcript[0].HasRead(bob.user.ID)
	}, 5*time.Second, 10*time.Millisecond)

	messages, err := bob.client.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Contains(t, messages[0].ReadBy, bob.user.ID)

	// Reply lands in alice's open transcript.
	reply, err := bob.session.Send(ctx, conv.ID, models.Content{Text: "hi alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		transcript := alice.session.Snapshot().Transcript
		return len(transcript) == 2 && transcript[1].ID == reply.ID
	}, 5*time.Second, 10*time.Millisecond)

	// Going offline is broadcast to the partner.
	require.NoError(t, bob.session.Close())
	require.Eventually(t, func() bool {
		online, known := alice.session.Snapshot().Online[bob.user.ID]
		return known && !online
	}, 5*time.Second, 10*time.Millisecond)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for range retries {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
