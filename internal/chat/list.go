package chat

import (
	"slices"
	"sort"

	"chatsync/internal/models"
)

// List is the conversation list of one user, ordered by most recent
// activity first. It is not safe for concurrent use; the owning session
// serialises access.
type List struct {
	items []models.Conversation
}

// NewList builds a list from an unordered set of conversations.
func NewList(conversations []models.Conversation) *List {
	l := &List{items: make([]models.Conversation, 0, len(conversations))}
	for _, c := range conversations {
		if l.find(c.ID) >= 0 {
			continue
		}
		l.items = append(l.items, c.Clone())
	}
	sort.SliceStable(l.items, func(i, j int) bool {
		return l.items[i].ActivityAt() > l.items[j].ActivityAt()
	})
	return l
}

func (l *List) find(id string) int {
	return slices.IndexFunc(l.items, func(c models.Conversation) bool {
		return c.ID == id
	})
}

func (l *List) Len() int {
	return len(l.items)
}

func (l *List) Get(id string) (models.Conversation, bool) {
	i := l.find(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return l.items[i].Clone(), true
}

// Touch records msg as the latest activity of its conversation and moves the
// conversation to the front. The relative order of all other conversations
// is kept. It reports false without changing anything when the conversation
// is unknown, when msg already is the latest activity, or when msg is older
// than the latest activity.
func (l *List) Touch(msg models.Message) bool {
	i := l.find(msg.ConversationID)
	if i < 0 {
		return false
	}

	c := l.items[i]
	if last := c.LastActivity; last != nil {
		if last.ID == msg.ID || msg.CreatedAt < last.CreatedAt {
			return false
		}
	}

	m := msg.Clone()
	c.LastActivity = &m

	copy(l.items[1:i+1], l.items[:i])
	l.items[0] = c
	return true
}

// Insert adds a conversation keeping the activity order. Known ids are
// ignored.
func (l *List) Insert(conversation models.Conversation) bool {
	if l.find(conversation.ID) >= 0 {
		return false
	}
	at := conversation.ActivityAt()
	pos, _ := slices.BinarySearchFunc(l.items, at, func(c models.Conversation, t int64) int {
		// Descending order; ties go after the new conversation.
		if c.ActivityAt() > t {
			return -1
		}
		return 1
	})
	l.items = slices.Insert(l.items, pos, conversation.Clone())
	return true
}

// MarkRead adds userID to the readers of the conversation's latest activity
// if it is one of messageIDs.
func (l *List) MarkRead(conversationID string, messageIDs []string, userID string) bool {
	i := l.find(conversationID)
	if i < 0 || l.items[i].LastActivity == nil {
		return false
	}
	last := l.items[i].LastActivity
	if !slices.Contains(messageIDs, last.ID) {
		return false
	}
	return last.AddReader(userID)
}

// Snapshot returns a deep copy of the list in display order.
func (l *List) Snapshot() []models.Conversation {
	out := make([]models.Conversation, len(l.items))
	for i, c := range l.items {
		out[i] = c.Clone()
	}
	return out
}

// IDs returns conversation ids in display order.
func (l *List) IDs() []string {
	ids := make([]string, len(l.items))
	for i, c := range l.items {
		ids[i] = c.ID
	}
	return ids
}
