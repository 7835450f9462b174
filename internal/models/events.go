package models

import "encoding/json"

type EventType string

// Client to server commands.
const (
	EventUserOnline  EventType = "user-online"
	EventSendMessage EventType = "send-message"
)

// Server to client events.
const (
	EventReceiveMessage EventType = "receive-message"
	EventUserStatus     EventType = "user-status"
	EventMessagesRead   EventType = "messages-read"
)

// EventTyping travels in both directions with different payloads:
// TypingCommand from the client, TypingEvent to the client.
const EventTyping EventType = "typing"

// Event is the envelope of everything carried by an event channel.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload into an envelope of the given type.
func NewEvent(eventType EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

type SendMessageCommand struct {
	Message    Message `json:"message"`
	ReceiverID string  `json:"receiverId"`
}

type ReceiveMessagePayload struct {
	Message Message `json:"message"`
	ChatID  string  `json:"chatId"`
}

type TypingCommand struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ReceiverID     string `json:"receiverId"`
}

type TypingEvent struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// MessagesReadPayload tells a sender that UserID has read MessageIDs.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}
