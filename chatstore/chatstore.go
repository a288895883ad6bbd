// Package chatstore persists conversations and their messages and serves
// paginated history, newest first.
//
// Messages must reference an existing conversation; the check runs in the
// same transaction as the write. Deleting a conversation removes its
// messages in the same transaction.
package chatstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/storage"
)

// Store names
const (
	StoreConversations = "conversations"
	StoreChats         = "chats"
)

// Index names
const (
	indexCreatedAt                  = "createdAt"
	indexConversationID             = "conversationId"
	indexConversationIDAndCreatedAt = "conversationId_createdAt"
)

// Conversation is a chat thread. IDs are assigned by the backend.
type Conversation struct {
	ID           string            `json:"id" cbor:"id"`
	CreatedAt    time.Time         `json:"createdAt" cbor:"createdAt"`
	Participants []string          `json:"participants,omitempty" cbor:"participants,omitempty"`
	Title        string            `json:"title,omitempty" cbor:"title,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// Field implements storage.Record.
func (c *Conversation) Field(path string) any {
	switch path {
	case "id":
		return c.ID
	case "createdAt":
		return c.CreatedAt
	}
	return nil
}

// Payload is a message body: ciphertext and nonce as received, or the
// plaintext once decrypted.
type Payload struct {
	Ciphertext string `json:"ciphertext,omitempty" cbor:"ciphertext,omitempty"`
	Nonce      string `json:"nonce,omitempty" cbor:"nonce,omitempty"`
	Plaintext  string `json:"plaintext,omitempty" cbor:"plaintext,omitempty"`
}

// Encrypted reports whether the payload holds ciphertext.
func (p Payload) Encrypted() bool {
	return p.Ciphertext != ""
}

// ChatMessage is a single message of a conversation. IDs are assigned by the
// backend.
type ChatMessage struct {
	ID             string            `json:"id" cbor:"id"`
	ConversationID string            `json:"conversationId" cbor:"conversationId"`
	SenderID       string            `json:"senderId" cbor:"senderId"`
	Payload        Payload           `json:"payload" cbor:"payload"`
	CreatedAt      time.Time         `json:"createdAt" cbor:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// Field implements storage.Record.
func (m *ChatMessage) Field(path string) any {
	switch path {
	case "id":
		return m.ID
	case "conversationId":
		return m.ConversationID
	case "createdAt":
		return m.CreatedAt
	}
	return nil
}

// Page is one page of a newest-first listing.
type Page[T any] struct {
	Items    []T  `json:"items"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// Stores declares the stores the chat store needs.
func Stores() []storage.StoreSchema {
	return []storage.StoreSchema{
		{
			Name:    StoreConversations,
			KeyPath: "id",
			Indexes: []storage.IndexSchema{
				{Name: indexCreatedAt, KeyPaths: []string{"createdAt"}},
			},
			New: func() storage.Record { return &Conversation{} },
		},
		{
			Name:    StoreChats,
			KeyPath: "id",
			Indexes: []storage.IndexSchema{
				{Name: indexConversationID, KeyPaths: []string{"conversationId"}},
				{Name: indexConversationIDAndCreatedAt, KeyPaths: []string{"conversationId", "createdAt"}},
			},
			New: func() storage.Record { return &ChatMessage{} },
		},
	}
}

// Store persists conversations and messages through a storage engine.
type Store struct {
	engine      *storage.Engine
	maxPageSize int
}

// New creates a store over an open engine whose schema includes Stores.
// Page sizes above maxPageSize are clamped; zero disables the limit.
func New(engine *storage.Engine, maxPageSize int) *Store {
	return &Store{engine: engine, maxPageSize: maxPageSize}
}

// SaveConversation inserts or replaces a conversation.
func (s *Store) SaveConversation(ctx context.Context, conv Conversation) error {
	const op = "SaveConversation"
	if conv.ID == "" {
		return apperr.Validation(op, "id is required")
	}
	if conv.CreatedAt.IsZero() {
		return apperr.Validation(op, "createdAt is required")
	}

	err := s.engine.Update(ctx, []string{StoreConversations}, func(tx *storage.Tx) error {
		return tx.Put(StoreConversations, &conv)
	})
	if err != nil {
		return err
	}
	log.Debug().Str("conversation_id", conv.ID).Msg("Conversation saved")
	return nil
}

// GetConversation returns a conversation, or nil if none exists.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, apperr.Validation("GetConversation", "id is required")
	}

	var conv Conversation
	var found bool
	err := s.engine.View(ctx, []string{StoreConversations}, func(tx *storage.Tx) error {
		var err error
		found, err = tx.Get(StoreConversations, id, &conv)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &conv, nil
}

func validateChat(op string, chat ChatMessage) error {
	switch {
	case chat.ID == "":
		return apperr.Validation(op, "id is required")
	case chat.ConversationID == "":
		return apperr.Validation(op, "conversationId is required")
	case chat.CreatedAt.IsZero():
		return apperr.Validation(op, "createdAt is required")
	}
	return nil
}

func requireConversation(tx *storage.Tx, op, id string) error {
	ok, err := tx.Exists(StoreConversations, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Referential(op, "conversation %q does not exist", id)
	}
	return nil
}

// SaveChat stores a message. It fails with a referential error when its
// conversation does not exist.
func (s *Store) SaveChat(ctx context.Context, chat ChatMessage) error {
	const op = "SaveChat"
	if err := validateChat(op, chat); err != nil {
		return err
	}

	err := s.engine.Update(ctx, []string{StoreConversations, StoreChats}, func(tx *storage.Tx) error {
		if err := requireConversation(tx, op, chat.ConversationID); err != nil {
			return err
		}
		return tx.Put(StoreChats, &chat)
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("conversation_id", chat.ConversationID).
		Str("chat_id", chat.ID).
		Msg("Chat saved")
	return nil
}

// SaveChats stores a batch of messages of one conversation. Either every
// message is written or none is. Messages without a conversation id are
// assigned conversationID.
func (s *Store) SaveChats(ctx context.Context, chats []ChatMessage, conversationID string) error {
	const op = "SaveChats"
	if conversationID == "" {
		return apperr.Validation(op, "conversationId is required")
	}

	batch := make([]ChatMessage, len(chats))
	for i, chat := range chats {
		if chat.ConversationID == "" {
			chat.ConversationID = conversationID
		}
		if chat.ConversationID != conversationID {
			return apperr.Validation(op, "chat %q belongs to conversation %q, not %q",
				chat.ID, chat.ConversationID, conversationID)
		}
		if err := validateChat(op, chat); err != nil {
			return err
		}
		batch[i] = chat
	}
	if len(batch) == 0 {
		return nil
	}

	err := s.engine.Update(ctx, []string{StoreConversations, StoreChats}, func(tx *storage.Tx) error {
		if err := requireConversation(tx, op, conversationID); err != nil {
			return err
		}
		for i := range batch {
			if err := tx.Put(StoreChats, &batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("conversation_id", conversationID).
		Int("count", len(batch)).
		Msg("Chats saved")
	return nil
}

func (s *Store) pageSize(op string, page, pageSize int) (int, error) {
	if page < 1 {
		return 0, apperr.Validation(op, "page must be >= 1, got %d", page)
	}
	if pageSize < 1 {
		return 0, apperr.Validation(op, "pageSize must be >= 1, got %d", pageSize)
	}
	if s.maxPageSize > 0 && pageSize > s.maxPageSize {
		return s.maxPageSize, nil
	}
	return pageSize, nil
}

// collect skips to page and reads up to size records, then probes one more
// to fill HasMore.
func collect[T any](c *storage.Cursor, page, size int) (Page[T], error) {
	defer c.Close()

	result := Page[T]{Items: make([]T, 0, size), Page: page, PageSize: size}
	offset := (page - 1) * size
	if c.Skip(offset) < offset {
		return result, c.Err()
	}

	for len(result.Items) < size && c.Next() {
		var item T
		if err := c.Decode(&item); err != nil {
			return result, err
		}
		result.Items = append(result.Items, item)
	}
	if len(result.Items) == size {
		result.HasMore = c.Next()
	}
	return result, c.Err()
}

// GetConversations returns conversations, newest first.
func (s *Store) GetConversations(ctx context.Context, page, pageSize int) (*Page[Conversation], error) {
	size, err := s.pageSize("GetConversations", page, pageSize)
	if err != nil {
		return nil, err
	}

	var result Page[Conversation]
	err = s.engine.View(ctx, []string{StoreConversations}, func(tx *storage.Tx) error {
		c, err := tx.OpenCursor(StoreConversations, indexCreatedAt, storage.KeyRange{}, storage.Prev)
		if err != nil {
			return err
		}
		result, err = collect[Conversation](c, page, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetChats returns a conversation's messages, newest first. Messages with
// equal timestamps are ordered by id. It fails with a referential error when
// the conversation does not exist.
func (s *Store) GetChats(ctx context.Context, conversationID string, page, pageSize int) (*Page[ChatMessage], error) {
	const op = "GetChats"
	if conversationID == "" {
		return nil, apperr.Validation(op, "conversationId is required")
	}
	size, err := s.pageSize(op, page, pageSize)
	if err != nil {
		return nil, err
	}

	var result Page[ChatMessage]
	err = s.engine.View(ctx, []string{StoreConversations, StoreChats}, func(tx *storage.Tx) error {
		if err := requireConversation(tx, op, conversationID); err != nil {
			return err
		}
		c, err := tx.OpenCursor(StoreChats, indexConversationIDAndCreatedAt,
			storage.Only(conversationID), storage.Prev)
		if err != nil {
			return err
		}
		result, err = collect[ChatMessage](c, page, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CountChats returns how many messages a conversation holds.
func (s *Store) CountChats(ctx context.Context, conversationID string) (int, error) {
	const op = "CountChats"
	if conversationID == "" {
		return 0, apperr.Validation(op, "conversationId is required")
	}

	var n int
	err := s.engine.View(ctx, []string{StoreConversations, StoreChats}, func(tx *storage.Tx) error {
		if err := requireConversation(tx, op, conversationID); err != nil {
			return err
		}
		var err error
		n, err = tx.Count(StoreChats, indexConversationID, storage.Only(conversationID))
		return err
	})
	return n, err
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Validation("DeleteConversation", "id is required")
	}

	var removed int64
	err := s.engine.Update(ctx, []string{StoreConversations, StoreChats}, func(tx *storage.Tx) error {
		if err := tx.Delete(StoreConversations, id); err != nil {
			return err
		}
		var err error
		removed, err = tx.DeleteRange(StoreChats, indexConversationID, storage.Only(id))
		return err
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("conversation_id", id).
		Int64("chats_removed", removed).
		Msg("Conversation deleted")
	return nil
}

// DeleteChat removes a single message. Deleting a missing message is not an
// error.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Validation("DeleteChat", "id is required")
	}
	err := s.engine.Update(ctx, []string{StoreChats}, func(tx *storage.Tx) error {
		return tx.Delete(StoreChats, id)
	})
	if err != nil {
		return err
	}
	log.Debug().Str("chat_id", id).Msg("Chat deleted")
	return nil
}
