package chat

import (
	"chatsync/internal/models"
)

// Transcript holds the messages of the open conversation in server order.
// It only ever grows; a message id is never stored twice.
type Transcript struct {
	conversationID string
	messages       []models.Message
	index          map[string]int
}

func NewTranscript(conversationID string, messages []models.Message) *Transcript {
	t := &Transcript{
		conversationID: conversationID,
		index:          make(map[string]int, len(messages)),
	}
	for _, m := range messages {
		t.Append(m)
	}
	return t
}

func (t *Transcript) ConversationID() string {
	return t.conversationID
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

func (t *Transcript) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Append adds msg at the end. Messages of other conversations and already
// present ids are ignored.
func (t *Transcript) Append(msg models.Message) bool {
	if msg.ID == "" || msg.ConversationID != t.conversationID {
		return false
	}
	if t.Contains(msg.ID) {
		return false
	}
	t.index[msg.ID] = len(t.messages)
	t.messages = append(t.messages, msg.Clone())
	return true
}

// Unread lists ids of messages userID neither sent nor read yet.
func (t *Transcript) Unread(userID string) []string {
	var ids []string
	for _, m := range t.messages {
		if m.SenderID != userID && !m.HasRead(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkRead records userID as a reader of the given messages and returns how
// many messages changed.
func (t *Transcript) MarkRead(messageIDs []string, userID string) int {
	changed := 0
	for _, id := range messageIDs {
		i, ok := t.index[id]
		if !ok {
			continue
		}
		if t.messages[i].AddReader(userID) {
			changed++
		}
	}
	return changed
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []models.Message {
	out := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}
