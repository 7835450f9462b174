package storage

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketConversations = []byte("conversations")
	bucketDirects       = []byte("directs")
	bucketMemberships   = []byte("memberships")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
)

var (
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrInvalid        = errors.New("invalid request")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketConversations,
			bucketDirects,
			bucketMemberships,
			bucketMessages,
			bucketMessageIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:           credentials.ID,
			UserName:     credentials.UserName,
			DisplayName:  credentials.DisplayName,
			LastSeen:     credentials.Presence.LastSeen,
			PasswordHash: credentials.PasswordHash,
		}
		if err := put(tx.Bucket(bucketUsers), dbUser); err != nil {
			return err
		}
		return tx.Bucket(bucketUsernames).Put([]byte(dbUser.UserName), dbUser.Key())
	})
}

func (s *BboltStorage) GetCredentialsByName(username string) (auth.UserCredentials, error) {
	var creds auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := get(tx.Bucket(bucketUsers), id, &dbUser); err != nil {
			return err
		}
		creds = auth.UserCredentials{User: dbUser.user(), PasswordHash: dbUser.PasswordHash}
		return nil
	})
	return creds, err
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var dbUser DBUser
		if err := get(tx.Bucket(bucketUsers), []byte(id), &dbUser); err != nil {
			return err
		}
		user = dbUser.user()
		return nil
	})
	return user, err
}

// ListUsers returns all users ordered by display name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.user())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, err
}

// SetLastSeen records when the user was last connected.
func (s *BboltStorage) SetLastSeen(userID string, at int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dbUser DBUser
		if err := get(b, []byte(userID), &dbUser); err != nil {
			return err
		}
		dbUser.LastSeen = at
		return put(b, &dbUser)
	})
}

// CreateConversation creates a conversation on behalf of creatorID. Direct
// conversations are unique per pair of users: asking again returns the
// existing one.
func (s *BboltStorage) CreateConversation(creatorID string, req models.CreateConversationRequest) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(creatorID)) == nil {
			return fmt.Errorf("creator %s: %w", creatorID, models.ErrNotFound)
		}

		dbConv := &DBConversation{
			ID:        uuid.Must(uuid.NewV7()).String(),
			CreatedAt: s.now().UnixMilli(),
		}

		var pair []byte
		if req.IsDirect() {
			if req.OtherUserID == creatorID {
				return fmt.Errorf("direct conversation with yourself: %w", ErrInvalid)
			}
			if users.Get([]byte(req.OtherUserID)) == nil {
				return fmt.Errorf("user %s: %w", req.OtherUserID, models.ErrNotFound)
			}
			pair = pairKey(creatorID, req.OtherUserID)
			if existing := tx.Bucket(bucketDirects).Get(pair); existing != nil {
				conv, err := loadConversation(tx, existing)
				if err != nil {
					return err
				}
				result = conv
				return nil
			}
			dbConv.Kind = string(models.ConversationKindDirect)
			dbConv.Participants = []string{creatorID, req.OtherUserID}
		} else {
			if req.Name == "" {
				return fmt.Errorf("group name is required: %w", ErrInvalid)
			}
			members := []string{creatorID}
			for _, id := range req.MemberIDs {
				if slices.Contains(members, id) {
					continue
				}
				if users.Get([]byte(id)) == nil {
					return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
				}
				members = append(members, id)
			}
			if len(members) < 2 {
				return fmt.Errorf("group needs at least one other member: %w", ErrInvalid)
			}
			dbConv.Kind = string(models.ConversationKindGroup)
			dbConv.Name = req.Name
			dbConv.Participants = members
		}

		if err := put(tx.Bucket(bucketConversations), dbConv); err != nil {
			return err
		}
		if pair != nil {
			if err := tx.Bucket(bucketDirects).Put(pair, dbConv.Key()); err != nil {
				return err
			}
		}
		for _, p := range dbConv.Participants {
			mb, err := tx.Bucket(bucketMemberships).CreateBucketIfNotExists([]byte(p))
			if err != nil {
				return fmt.Errorf("failed to create membership bucket: %w", err)
			}
			if err := mb.Put(dbConv.Key(), nil); err != nil {
				return err
			}
		}
		result = dbConv.conversation(nil)
		return nil
	})
	return result, err
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = loadConversation(tx, []byte(id))
		return err
	})
	return conv, err
}

// ListConversations returns the conversations userID participates in, most
// recent activity first.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMemberships).Bucket([]byte(userID))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(k, _ []byte) error {
			conv, err := loadConversation(tx, k)
			if err != nil {
				return err
			}
			convs = append(convs, conv)
			return nil
		})
	})
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].ActivityAt() > convs[j].ActivityAt()
	})
	return convs, err
}

// CreateMessage stores a new message. The message id and its position in
// the conversation are assigned here.
func (s *BboltStorage) CreateMessage(conversationID, senderID string, content models.Content) (models.Message, error) {
	if content.IsEmpty() {
		return models.Message{}, fmt.Errorf("empty message: %w", ErrInvalid)
	}

	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		var dbConv DBConversation
		if err := get(convs, []byte(conversationID), &dbConv); err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		if !slices.Contains(dbConv.Participants, senderID) {
			return ErrNotParticipant
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}

		createdAt := s.now().UnixMilli()
		// Message order is the sequence; timestamps never go backwards
		// within a conversation.
		if _, v := chatBucket.Cursor().Last(); v != nil {
			var last DBMessage
			if err := last.UnmarshalBinary(v); err != nil {
				return err
			}
			createdAt = max(createdAt, last.CreatedAt)
		}

		dbMsg := &DBMessage{
			Seq:            seq,
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Text:           content.Text,
			AttachmentID:   content.AttachmentID,
			CreatedAt:      createdAt,
		}
		if err := put(chatBucket, dbMsg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		ref := &DBMessageRef{MessageID: dbMsg.ID, ConversationID: conversationID, Seq: seq}
		if err := put(tx.Bucket(bucketMessageIndex), ref); err != nil {
			return err
		}

		dbConv.LastSeq = seq
		if err := put(convs, &dbConv); err != nil {
			return err
		}
		msg = dbMsg.message()
		return nil
	})
	return msg, err
}

// ListMessages returns the messages of a conversation in server order.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages yet
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.message())
			return nil
		})
	})
	return messages, err
}

// MarkMessagesRead adds userID to the readers of the given messages. Unknown
// ids, messages sent by userID and messages of conversations userID is not
// part of are skipped. It returns the messages that changed.
func (s *BboltStorage) MarkMessagesRead(userID string, messageIDs []string) ([]models.Message, error) {
	var changed []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		participants := map[string]bool{}

		for _, id := range messageIDs {
			var ref DBMessageRef
			if err := get(index, []byte(id), &ref); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					continue
				}
				return err
			}

			member, ok := participants[ref.ConversationID]
			if !ok {
				var dbConv DBConversation
				if err := get(tx.Bucket(bucketConversations), []byte(ref.ConversationID), &dbConv); err != nil {
					return err
				}
				member = slices.Contains(dbConv.Participants, userID)
				participants[ref.ConversationID] = member
			}
			if !member {
				continue
			}

			chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
			if chatBucket == nil {
				continue
			}
			var dbMsg DBMessage
			if err := get(chatBucket, seqKey(ref.Seq), &dbMsg); err != nil {
				return err
			}
			if dbMsg.SenderID == userID || slices.Contains(dbMsg.ReadBy, userID) {
				continue
			}
			dbMsg.ReadBy = append(dbMsg.ReadBy, userID)
			if err := put(chatBucket, &dbMsg); err != nil {
				return err
			}
			changed = append(changed, dbMsg.message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func loadConversation(tx *bbolt.Tx, id []byte) (models.Conversation, error) {
	var dbConv DBConversation
	if err := get(tx.Bucket(bucketConversations), id, &dbConv); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}

	var last *models.Message
	if chatBucket := tx.Bucket(bucketMessages).Bucket(id); chatBucket != nil {
		if _, v := chatBucket.Cursor().Last(); v != nil {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return models.Conversation{}, err
			}
			m := dbMsg.message()
			last = &m
		}
	}
	return dbConv.conversation(last), nil
}

func get(b *bbolt.Bucket, key []byte, into Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return into.UnmarshalBinary(data)
}

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

func pairKey(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(a + "\x00" + b)
}

func (u *DBUser) user() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Presence:    models.Presence{LastSeen: u.LastSeen},
	}
}

func (c *DBConversation) conversation(last *models.Message) models.Conversation {
	return models.Conversation{
		ID:           c.ID,
		Kind:         models.ConversationKind(c.Kind),
		Name:         c.Name,
		Participants: slices.Clone(c.Participants),
		LastActivity: last,
		CreatedAt:    c.CreatedAt,
	}
}

func (m *DBMessage) message() models.Message {
	readBy := slices.Clone(m.ReadBy)
	if readBy == nil {
		readBy = []string{}
	}
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        models.Content{Text: m.Text, AttachmentID: m.AttachmentID},
		CreatedAt:      m.CreatedAt,
		ReadBy:         readBy,
	}
}
