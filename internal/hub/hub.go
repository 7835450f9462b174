// Package hub routes directed events between connected users.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/presence"
)

const DefaultBufferSize = 64

// Directory resolves conversations so the hub can check who may talk to
// whom and who should hear about presence changes.
type Directory interface {
	GetConversation(id string) (models.Conversation, error)
	ListConversations(userID string) ([]models.Conversation, error)
}

// Relay carries events to users connected to other server processes.
type Relay interface {
	Publish(receiverID string, ev models.Event) error
}

// LastSeenStore records when a user disconnected.
type LastSeenStore interface {
	SetLastSeen(userID string, at int64) error
}

// Peer is one connected event channel on the server side.
type Peer struct {
	UserID string

	send      chan models.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events yields the events to write to the peer's socket.
func (p *Peer) Events() <-chan models.Event {
	return p.send
}

// Done is closed once the peer was detached.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) deliver(ev models.Event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- ev:
		return true
	default:
		return false
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

type Config struct {
	Directory  Directory
	LastSeen   LastSeenStore
	BufferSize int
	Logger     *slog.Logger
}

type Hub struct {
	online     *presence.Register[*Peer]
	dir        Directory
	lastSeen   LastSeenStore
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time

	relayMu sync.RWMutex
	relay   Relay
}

func New(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		online:     presence.NewRegister[*Peer](),
		dir:        cfg.Directory,
		lastSeen:   cfg.LastSeen,
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// SetRelay enables delivery to users connected elsewhere.
func (h *Hub) SetRelay(r Relay) {
	h.relayMu.Lock()
	defer h.relayMu.Unlock()
	h.relay = r
}

func (h *Hub) getRelay() Relay {
	h.relayMu.RLock()
	defer h.relayMu.RUnlock()
	return h.relay
}

// Attach creates a peer for an authenticated connection. The peer only
// receives directed events after it announced itself with user-online.
func (h *Hub) Attach(userID string) *Peer {
	activePeers.Inc()
	return &Peer{
		UserID: userID,
		send:   make(chan models.Event, h.bufferSize),
		done:   make(chan struct{}),
	}
}

// Detach drops the peer. If it was still the user's registered peer the
// user goes offline.
func (h *Hub) Detach(p *Peer) {
	p.close()
	activePeers.Dec()

	if !h.online.Unregister(p.UserID, p) {
		return
	}
	if h.lastSeen != nil {
		if err := h.lastSeen.SetLastSeen(p.UserID, h.now().UnixMilli()); err != nil {
			h.logger.Warn("failed to record last seen", "user_id", p.UserID, "error", err)
		}
	}
	h.broadcastStatus(p.UserID, models.StatusOffline)
}

func (h *Hub) IsOnline(userID string) bool {
	_, ok := h.online.Lookup(userID)
	return ok
}

// Dispatch handles one event received from p.
func (h *Hub) Dispatch(p *Peer, ev models.Event) {
	switch ev.Type {
	case models.EventUserOnline:
		h.handleUserOnline(p, ev.Data)
	case models.EventSendMessage:
		h.handleSendMessage(p, ev.Data)
	case models.EventTyping:
		h.handleTyping(p, ev.Data)
	default:
		h.dropped(ev.Type, "unknown")
	}
}

func (h *Hub) handleUserOnline(p *Peer, data json.RawMessage) {
	var payload models.UserOnlinePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.dropped(models.EventUserOnline, "malformed")
		return
	}
	if payload.UserID != p.UserID {
		h.dropped(models.EventUserOnline, "forbidden")
		return
	}

	if prev, replaced := h.online.RegisterOnline(p.UserID, p); replaced && prev != p {
		h.logger.Debug("user reconnected, replacing peer", "user_id", p.UserID)
	}
	routedEvents.WithLabelValues(string(models.EventUserOnline)).Inc()

	for _, partnerID := range h.partners(p.UserID) {
		h.route(partnerID, models.EventUserStatus, models.UserStatusPayload{UserID: p.UserID, Status: models.StatusOnline})
		if h.IsOnline(partnerID) {
			h.push(p, models.EventUserStatus, models.UserStatusPayload{UserID: partnerID, Status: models.StatusOnline})
		}
	}
}

func (h *Hub) handleSendMessage(p *Peer, data json.RawMessage) {
	var cmd models.SendMessageCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Message.ID == "" {
		h.dropped(models.EventSendMessage, "malformed")
		return
	}
	msg := cmd.Message
	if msg.SenderID != p.UserID || cmd.ReceiverID == "" || cmd.ReceiverID == p.UserID {
		h.dropped(models.EventSendMessage, "forbidden")
		return
	}
	if !h.mayReach(msg.ConversationID, p.UserID, cmd.ReceiverID) {
		h.dropped(models.EventSendMessage, "forbidden")
		return
	}

	h.route(cmd.ReceiverID, models.EventReceiveMessage, models.ReceiveMessagePayload{
		Message: msg,
		ChatID:  msg.ConversationID,
	})
}

func (h *Hub) handleTyping(p *Peer, data json.RawMessage) {
	var cmd models.TypingCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.dropped(models.EventTyping, "malformed")
		return
	}
	if cmd.UserID == "" {
		cmd.UserID = p.UserID
	}
	if cmd.UserID != p.UserID || cmd.ReceiverID == "" || cmd.ReceiverID == p.UserID {
		h.dropped(models.EventTyping, "forbidden")
		return
	}
	if !h.mayReach(cmd.ConversationID, p.UserID, cmd.ReceiverID) {
		h.dropped(models.EventTyping, "forbidden")
		return
	}

	h.route(cmd.ReceiverID, models.EventTyping, models.TypingEvent{
		UserID:         p.UserID,
		IsTyping:       cmd.IsTyping,
		ConversationID: cmd.ConversationID,
	})
}

// NotifyRead tells the senders of messages that readerID has read them.
func (h *Hub) NotifyRead(readerID string, messages []models.Message) {
	type target struct{ conversationID, senderID string }
	batches := map[target][]string{}
	var order []target
	for _, m := range messages {
		if m.SenderID == readerID {
			continue
		}
		k := target{m.ConversationID, m.SenderID}
		if _, ok := batches[k]; !ok {
			order = append(order, k)
		}
		batches[k] = append(batches[k], m.ID)
	}
	for _, k := range order {
		h.route(k.senderID, models.EventMessagesRead, models.MessagesReadPayload{
			ConversationID: k.conversationID,
			UserID:         readerID,
			MessageIDs:     batches[k],
		})
	}
}

// DeliverLocal hands ev to receiverID if the user is connected to this
// process. It never relays.
func (h *Hub) DeliverLocal(receiverID string, ev models.Event) bool {
	p, ok := h.online.Lookup(receiverID)
	if !ok {
		h.dropped(ev.Type, "offline")
		return false
	}
	if !p.deliver(ev) {
		h.dropped(ev.Type, "full")
		return false
	}
	routedEvents.WithLabelValues(string(ev.Type)).Inc()
	return true
}

func (h *Hub) route(receiverID string, eventType models.EventType, payload any) {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", eventType, "error", err)
		return
	}

	if _, ok := h.online.Lookup(receiverID); ok {
		h.DeliverLocal(receiverID, ev)
		return
	}
	relay := h.getRelay()
	if relay == nil {
		h.dropped(eventType, "offline")
		return
	}
	if err := relay.Publish(receiverID, ev); err != nil {
		h.logger.Warn("failed to relay event", "event", eventType, "user_id", receiverID, "error", err)
		h.dropped(eventType, "relay")
		return
	}
	relayedEvents.WithLabelValues(string(eventType)).Inc()
}

func (h *Hub) push(p *Peer, eventType models.EventType, payload any) {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		return
	}
	if !p.deliver(ev) {
		h.dropped(eventType, "full")
		return
	}
	routedEvents.WithLabelValues(string(eventType)).Inc()
}

func (h *Hub) broadcastStatus(userID string, status models.Status) {
	for _, partnerID := range h.partners(userID) {
		h.route(partnerID, models.EventUserStatus, models.UserStatusPayload{UserID: userID, Status: status})
	}
}

// partners returns everyone sharing a conversation with userID.
func (h *Hub) partners(userID string) []string {
	if h.dir == nil {
		return nil
	}
	convs, err := h.dir.ListConversations(userID)
	if err != nil {
		h.logger.Warn("failed to list conversations", "user_id", userID, "error", err)
		return nil
	}
	seen := map[string]bool{userID: true}
	var out []string
	for _, c := range convs {
		for _, id := range c.Participants {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (h *Hub) mayReach(conversationID, senderID, receiverID string) bool {
	if h.dir == nil {
		return true
	}
	conv, err := h.dir.GetConversation(conversationID)
	if err != nil {
		return false
	}
	return conv.HasParticipant(senderID) && conv.HasParticipant(receiverID)
}

func (h *Hub) dropped(eventType models.EventType, reason string) {
	droppedEvents.WithLabelValues(string(eventType), reason).Inc()
	h.logger.Debug("dropping event", "event", eventType, "reason", reason)
}
