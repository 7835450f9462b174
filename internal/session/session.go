// Package session keeps one user's conversation list and open transcript in
// sync with the events arriving over the event channel.
//
// All state is owned by a single goroutine running Run. Channel handlers,
// persistence completions and public calls hand closures to that goroutine,
// so they are applied one at a time in the order they were queued.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/chat"
	"chatsync/internal/clock"
	"chatsync/internal/models"
	"chatsync/internal/typing"
)

var (
	ErrClosed              = errors.New("session closed")
	ErrUnknownConversation = errors.New("conversation not in list")
	ErrEmptyContent        = errors.New("message content is empty")
)

// EventChannel is the transport the session talks to the server through.
type EventChannel interface {
	Connect(ctx context.Context) error
	On(eventType models.EventType, handler channel.Handler)
	Send(eventType models.EventType, payload any)
	Close() error
}

// Persistence is the request/response collaborator that owns conversations
// and messages. It acts on behalf of the authenticated user.
type Persistence interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, conversationID string, content models.Content) (models.Message, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error)
}

type Config struct {
	UserID  string
	Channel EventChannel
	Store   Persistence

	Clock        clock.Clock
	TypingWindow time.Duration
	TypingMode   typing.Mode
	Logger       *slog.Logger
}

func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if c.Channel == nil {
		return errors.New("event channel is required")
	}
	if c.Store == nil {
		return errors.New("persistence is required")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Snapshot is a read-only copy of what the session renders.
type Snapshot struct {
	Conversations []models.Conversation
	// OpenID is empty when no conversation is open.
	OpenID     string
	Transcript []models.Message
	// Typing holds the users currently composing, keyed by user id.
	Typing map[string]bool
	// Online holds the last known presence of other users.
	Online map[string]bool
}

type Session struct {
	userID string
	ch     EventChannel
	store  Persistence
	logger *slog.Logger
	typing *typing.Aggregator

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}
	done    chan struct{}

	started      atomic.Bool
	quitOnce     sync.Once
	shutdownOnce sync.Once
	workers      sync.WaitGroup

	// Owned by the loop goroutine.
	runCtx      context.Context
	list        *chat.List
	open        *chat.Transcript
	opening     string
	pendingOpen []models.Message
	loading     int
	pendingLoad []func(*chat.List) bool
	inFlight    map[string]bool
	peerTyping  map[string]bool
	online      map[string]bool

	snapMu    sync.RWMutex
	snap      Snapshot
	observers []func(Snapshot)
}

func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		userID:     cfg.UserID,
		ch:         cfg.Channel,
		store:      cfg.Store,
		logger:     cfg.Logger.With("user_id", cfg.UserID),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
		list:       chat.NewList(nil),
		inFlight:   make(map[string]bool),
		peerTyping: make(map[string]bool),
		online:     make(map[string]bool),
	}
	s.typing = typing.New(typing.Config{
		Clock:  cfg.Clock,
		Window: cfg.TypingWindow,
		Mode:   cfg.TypingMode,
		Emit:   s.emitTyping,
	})
	s.snap = s.buildSnapshot()

	s.ch.On(models.EventReceiveMessage, s.onReceiveMessage)
	s.ch.On(models.EventTyping, s.onTyping)
	s.ch.On(models.EventUserStatus, s.onUserStatus)
	s.ch.On(models.EventMessagesRead, s.onMessagesRead)
	return s, nil
}

// Run processes queued work until ctx is done or Close is called. On return
// typing timers are cancelled and the event channel is closed.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session is already running")
	}
	defer s.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx

	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the session and waits for Run to finish. It must not be
// called from an OnChange observer.
func (s *Session) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	if s.started.Load() {
		<-s.done
		return nil
	}
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.stopped)
		s.typing.StopAll()
		if err := s.ch.Close(); err != nil {
			s.logger.Warn("failed to close event channel", "error", err)
		}
		s.workers.Wait()
		close(s.done)
	})
}

// post queues op for the loop without waiting for it to run.
func (s *Session) post(op func()) error {
	select {
	case <-s.stopped:
		return ErrClosed
	default:
	}
	select {
	case s.ops <- op:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	if err := s.post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// OnChange registers an observer called on the loop goroutine after every
// change, with the new snapshot. Observers must return quickly and must not
// call back into the session synchronously.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot returns the state as of the last applied change.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return copySnapshot(s.snap)
}

func (s *Session) publish() {
	snap := s.buildSnapshot()

	s.snapMu.Lock()
	s.snap = snap
	observers := append([]func(Snapshot){}, s.observers...)
	s.snapMu.Unlock()

	for _, fn := range observers {
		fn(copySnapshot(snap))
	}
}

func (s *Session) buildSnapshot() Snapshot {
	snap := Snapshot{
		Conversations: s.list.Snapshot(),
		Typing:        maps.Clone(s.peerTyping),
		Online:        maps.Clone(s.online),
	}
	if s.open != nil {
		snap.OpenID = s.open.ConversationID()
		snap.Transcript = s.open.Messages()
	}
	return snap
}

func copySnapshot(in Snapshot) Snapshot {
	out := in
	out.Conversations = make([]models.Conversation, len(in.Conversations))
	for i, c := range in.Conversations {
		out.Conversations[i] = c.Clone()
	}
	out.Transcript = make([]models.Message, len(in.Transcript))
	for i, m := range in.Transcript {
		out.Transcript[i] = m.Clone()
	}
	out.Typing = maps.Clone(in.Typing)
	out.Online = maps.Clone(in.Online)
	return out
}

// Connect opens the event channel and announces the user as online.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.stopped:
		return ErrClosed
	default:
	}
	if err := s.ch.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect event channel: %w", err)
	}
	s.ch.Send(models.EventUserOnline, models.UserOnlinePayload{UserID: s.userID})
	return nil
}

// Load replaces the conversation list with the one from persistence.
// List changes applied while the fetch is pending are replayed on the
// fetched list.
func (s *Session) Load(ctx context.Context) error {
	if err := s.call(func() { s.loading++ }); err != nil {
		return err
	}

	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		_ = s.call(s.endLoad)
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	return s.call(func() {
		list := chat.NewList(convs)
		for _, change := range s.pendingLoad {
			change(list)
		}
		s.list = list
		s.endLoad()
		s.publish()
	})
}

func (s *Session) endLoad() {
	s.loading--
	if s.loading == 0 {
		s.pendingLoad = nil
	}
}

// updateList applies change to the list and keeps it for any Load still in
// flight.
func (s *Session) updateList(change func(*chat.List) bool) bool {
	if s.loading > 0 {
		s.pendingLoad = append(s.pendingLoad, change)
	}
	return change(s.list)
}

// Open makes conversationID the open conversation, loading its transcript.
// Messages that arrive while the transcript is being fetched are kept.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if err := s.call(func() {
		s.opening = conversationID
		s.pendingOpen = nil
	}); err != nil {
		return err
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		_ = s.call(func() {
			if s.opening == conversationID {
				s.opening = ""
				s.pendingOpen = nil
			}
		})
		return fmt.Errorf("failed to list messages: %w", err)
	}

	return s.call(func() {
		if s.opening != conversationID {
			// Superseded by a later Open or CloseConversation.
			return
		}
		if s.open != nil && s.open.ConversationID() != conversationID {
			s.typing.StopConversation(s.open.ConversationID())
		}
		tr := chat.NewTranscript(conversationID, messages)
		for _, m := range s.pendingOpen {
			tr.Append(m)
		}
		s.open = tr
		s.opening = ""
		s.pendingOpen = nil
		clear(s.peerTyping)
		s.markRead()
		s.publish()
	})
}

// CloseConversation closes the open conversation, cancelling its typing
// timers.
func (s *Session) CloseConversation() error {
	return s.call(func() {
		s.opening = ""
		s.pendingOpen = nil
		if s.open == nil {
			return
		}
		s.typing.StopConversation(s.open.ConversationID())
		s.open = nil
		clear(s.peerTyping)
		s.publish()
	})
}

// Send stores a message and, once persistence confirms it, appends it
// locally and forwards it to the other participants. Nothing changes
// locally when persistence fails.
func (s *Session) Send(ctx context.Context, conversationID string, content models.Content) (models.Message, error) {
	if content.IsEmpty() {
		return models.Message{}, ErrEmptyContent
	}

	var (
		conv  models.Conversation
		found bool
	)
	if err := s.call(func() { conv, found = s.list.Get(conversationID) }); err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, ErrUnknownConversation
	}

	msg, err := s.store.CreateMessage(ctx, conversationID, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to create message: %w", err)
	}

	err = s.call(func() {
		s.applyMessage(msg)
		for _, receiverID := range conv.Others(s.userID) {
			s.ch.Send(models.EventSendMessage, models.SendMessageCommand{
				Message:    msg,
				ReceiverID: receiverID,
			})
		}
	})
	if err != nil {
		return msg, err
	}
	return msg, nil
}

// Compose records local composition input in a conversation.
func (s *Session) Compose(conversationID string) error {
	return s.post(func() {
		conv, ok := s.list.Get(conversationID)
		if !ok {
			return
		}
		s.typing.Keystroke(typing.Key{ConversationID: conversationID, UserID: s.userID}, conv.Others(s.userID))
	})
}

// CreateConversation creates a conversation and adds it to the list.
func (s *Session) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, req)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := s.call(func() {
		if s.updateList(func(l *chat.List) bool { return l.Insert(conv) }) {
			s.publish()
		}
	}); err != nil {
		return conv, err
	}
	return conv, nil
}

// applyMessage merges a confirmed message into the transcript and the
// list. A message for a conversation being fetched is also kept for the
// fetched transcript, even when that conversation is already open.
func (s *Session) applyMessage(msg models.Message) {
	appended := false
	if s.open != nil && s.open.ConversationID() == msg.ConversationID {
		appended = s.open.Append(msg)
	}
	if s.opening == msg.ConversationID {
		s.pendingOpen = append(s.pendingOpen, msg)
	}
	touched := s.updateList(func(l *chat.List) bool { return l.Touch(msg) })

	if appended {
		s.markRead()
	}
	if appended || touched {
		s.publish()
	}
}

// markRead sends unread messages of the open transcript to persistence.
// Ids already in a pending batch are left out.
func (s *Session) markRead() {
	if s.open == nil {
		return
	}
	var batch []string
	for _, id := range s.open.Unread(s.userID) {
		if !s.inFlight[id] {
			s.inFlight[id] = true
			batch = append(batch, id)
		}
	}
	if len(batch) == 0 {
		return
	}

	conversationID := s.open.ConversationID()
	ctx := s.runCtx
	s.workers.Go(func() {
		err := s.store.MarkMessagesRead(ctx, batch)
		if postErr := s.post(func() { s.applyRead(conversationID, batch, err) }); postErr != nil {
			s.logger.Debug("dropping mark-read result", "conversation_id", conversationID, "error", postErr)
		}
	})
}

func (s *Session) applyRead(conversationID string, batch []string, err error) {
	for _, id := range batch {
		delete(s.inFlight, id)
	}
	if err != nil {
		s.logger.Warn("failed to mark messages read", "conversation_id", conversationID, "error", err)
		return
	}

	changed := s.updateList(func(l *chat.List) bool { return l.MarkRead(conversationID, batch, s.userID) })
	if s.open != nil && s.open.ConversationID() == conversationID {
		if s.open.MarkRead(batch, s.userID) > 0 {
			changed = true
		}
	}
	if changed {
		s.publish()
	}
}

func (s *Session) emitTyping(sig typing.Signal) {
	for _, receiverID := range sig.ReceiverIDs {
		s.ch.Send(models.EventTyping, models.TypingCommand{
			ConversationID: sig.ConversationID,
			UserID:         sig.UserID,
			IsTyping:       sig.IsTyping,
			ReceiverID:     receiverID,
		})
	}
}

// Inbound handlers run on the channel's reader goroutine. They decode the
// payload and queue the state change; bad payloads are dropped.

func (s *Session) onReceiveMessage(data json.RawMessage) {
	var p models.ReceiveMessagePayload
	if !s.decode(models.EventReceiveMessage, data, &p) {
		return
	}
	msg := p.Message
	if msg.ConversationID == "" {
		msg.ConversationID = p.ChatID
	}
	if msg.ID == "" || msg.ConversationID == "" || (p.ChatID != "" && p.ChatID != msg.ConversationID) {
		s.logger.Debug("ignoring malformed message event", "message_id", msg.ID)
		return
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	_ = s.post(func() { s.applyMessage(msg) })
}

func (s *Session) onTyping(data json.RawMessage) {
	var p models.TypingEvent
	if !s.decode(models.EventTyping, data, &p) || p.UserID == "" || p.UserID == s.userID {
		return
	}
	_ = s.post(func() {
		if p.ConversationID != "" && (s.open == nil || s.open.ConversationID() != p.ConversationID) {
			return
		}
		if s.peerTyping[p.UserID] == p.IsTyping {
			return
		}
		if p.IsTyping {
			s.peerTyping[p.UserID] = true
		} else {
			delete(s.peerTyping, p.UserID)
		}
		s.publish()
	})
}

func (s *Session) onUserStatus(data json.RawMessage) {
	var p models.UserStatusPayload
	if !s.decode(models.EventUserStatus, data, &p) || p.UserID == "" {
		return
	}
	online := p.Status == models.StatusOnline
	_ = s.post(func() {
		if prev, ok := s.online[p.UserID]; ok && prev == online {
			return
		}
		s.online[p.UserID] = online
		if !online {
			delete(s.peerTyping, p.UserID)
		}
		s.publish()
	})
}

func (s *Session) onMessagesRead(data json.RawMessage) {
	var p models.MessagesReadPayload
	if !s.decode(models.EventMessagesRead, data, &p) || p.UserID == "" || len(p.MessageIDs) == 0 {
		return
	}
	_ = s.post(func() {
		changed := s.updateList(func(l *chat.List) bool { return l.MarkRead(p.ConversationID, p.MessageIDs, p.UserID) })
		if s.open != nil && s.open.ConversationID() == p.ConversationID {
			if s.open.MarkRead(p.MessageIDs, p.UserID) > 0 {
				changed = true
			}
		}
		if changed {
			s.publish()
		}
	})
}

func (s *Session) decode(eventType models.EventType, data json.RawMessage, into any) bool {
	if err := json.Unmarshal(data, into); err != nil {
		s.logger.Debug("ignoring malformed event", "event", eventType, "error", err)
		return false
	}
	return true
}
