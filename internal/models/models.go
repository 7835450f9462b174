package models

import (
	"errors"
	"slices"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a user in the system.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (milliseconds)
}

type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

// Conversation is a direct or group thread between participants.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Participants []string         `json:"participants"`
	LastActivity *Message         `json:"lastActivity"`
	CreatedAt    int64            `json:"createdAt"` // Unix timestamp (milliseconds)
}

// ActivityAt is the ordering key of the conversation list: the timestamp of
// the most recent message, or the creation time if there is none.
func (c Conversation) ActivityAt() int64 {
	if c.LastActivity != nil {
		return c.LastActivity.CreatedAt
	}
	return c.CreatedAt
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Others returns all participants except userID.
func (c Conversation) Others(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	if c.LastActivity != nil {
		last := c.LastActivity.Clone()
		c.LastActivity = &last
	}
	return c
}

// Content is the payload of a message. Attachments are stored elsewhere and
// referenced by id.
type Content struct {
	Text         string `json:"text,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
}

func (c Content) IsEmpty() bool {
	return c.Text == "" && c.AttachmentID == ""
}

// Message represents a chat message. It is immutable after creation except
// for ReadBy, which only grows.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        Content  `json:"content"`
	CreatedAt      int64    `json:"createdAt"` // Unix timestamp (milliseconds)
	ReadBy         []string `json:"readBy"`
}

func (m Message) HasRead(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// AddReader records userID in ReadBy. It reports whether ReadBy changed.
func (m *Message) AddReader(userID string) bool {
	if userID == "" || m.HasRead(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// CreateConversationRequest starts a direct conversation when OtherUserID is
// set, or a named group otherwise.
type CreateConversationRequest struct {
	OtherUserID string   `json:"otherUserId,omitempty"`
	Name        string   `json:"name,omitempty"`
	MemberIDs   []string `json:"memberIds,omitempty"`
}

func (r CreateConversationRequest) IsDirect() bool {
	return r.OtherUserID != ""
}
