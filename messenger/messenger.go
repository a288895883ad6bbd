// Package messenger connects an unlocked identity and the chat store to a
// transport that moves ciphertext between peers. The transport only ever
// sees Envelopes; delivery and ordering are its concern.
package messenger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/chatstore"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/identity"
)

// Metadata keys set on stored messages
const (
	MetaPeerPublicKey = "peerPublicKey"
	MetaDirection     = "direction"

	DirectionIn  = "in"
	DirectionOut = "out"
)

// Envelope is what travels over the transport.
type Envelope struct {
	MessageID       string    `json:"messageId"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	SenderPublicKey string    `json:"senderPublicKey"`
	RecipientID     string    `json:"recipientId"`
	Ciphertext      string    `json:"ciphertext"`
	Nonce           string    `json:"nonce"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Validate checks that every field is present.
func (e Envelope) Validate() error {
	const op = "Envelope"
	switch {
	case e.MessageID == "":
		return apperr.Validation(op, "messageId is required")
	case e.ConversationID == "":
		return apperr.Validation(op, "conversationId is required")
	case e.SenderID == "" || e.SenderPublicKey == "":
		return apperr.Validation(op, "sender is required")
	case e.RecipientID == "":
		return apperr.Validation(op, "recipientId is required")
	case e.Ciphertext == "" || e.Nonce == "":
		return apperr.Validation(op, "ciphertext and nonce are required")
	case e.CreatedAt.IsZero():
		return apperr.Validation(op, "createdAt is required")
	}
	return nil
}

// Transport moves envelopes between users.
type Transport interface {
	// Send hands an envelope off for delivery to env.RecipientID.
	Send(ctx context.Context, env Envelope) error

	// Subscribe delivers envelopes addressed to userID to handler until the
	// returned function is called.
	Subscribe(userID string, handler func(Envelope)) (unsubscribe func() error, err error)
}

// Options controls what is persisted.
type Options struct {
	// StoreCiphertext keeps received and sent messages encrypted at rest.
	// Otherwise the plaintext is stored.
	StoreCiphertext bool
}

// Outgoing is a message to send. IDs are backend-assigned.
type Outgoing struct {
	MessageID          string
	ConversationID     string
	RecipientID        string
	RecipientPublicKey string
	Text               string
	CreatedAt          time.Time
}

// Messenger sends and receives messages for one identity.
type Messenger struct {
	identity  *identity.Manager
	store     *chatstore.Store
	transport Transport
	opts      Options
}

// New creates a messenger.
func New(id *identity.Manager, store *chatstore.Store, transport Transport, opts Options) *Messenger {
	return &Messenger{
		identity:  id,
		store:     store,
		transport: transport,
		opts:      opts,
	}
}

// Send encrypts out to its recipient, stores it locally and hands it to the
// transport. The local copy is written first so that a message to an unknown
// conversation is never sent, and removed again when the transport fails.
func (m *Messenger) Send(ctx context.Context, out Outgoing) (*chatstore.ChatMessage, error) {
	const op = "Send"
	switch {
	case out.MessageID == "" || out.ConversationID == "":
		return nil, apperr.Validation(op, "messageId and conversationId are required")
	case out.RecipientID == "" || out.RecipientPublicKey == "":
		return nil, apperr.Validation(op, "recipient is required")
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	enc, err := m.identity.Encrypt(out.Text, out.RecipientPublicKey)
	if err != nil {
		return nil, err
	}

	msg := chatstore.ChatMessage{
		ID:             out.MessageID,
		ConversationID: out.ConversationID,
		SenderID:       m.identity.UserID(),
		CreatedAt:      out.CreatedAt,
		Metadata: map[string]string{
			MetaPeerPublicKey: out.RecipientPublicKey,
			MetaDirection:     DirectionOut,
		},
	}
	msg.Payload = m.payload(enc, out.Text)

	if err := m.store.SaveChat(ctx, msg); err != nil {
		return nil, err
	}

	env := Envelope{
		MessageID:       out.MessageID,
		ConversationID:  out.ConversationID,
		SenderID:        m.identity.UserID(),
		SenderPublicKey: m.identity.PublicKey(),
		RecipientID:     out.RecipientID,
		Ciphertext:      enc.Encrypted,
		Nonce:           enc.Nonce,
		CreatedAt:       out.CreatedAt,
	}
	if err := m.transport.Send(ctx, env); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", out.ConversationID).
			Str("message_id", out.MessageID).
			Msg("Transport send failed")
		// A message that never left must not show up in history
		if delErr := m.store.DeleteChat(context.WithoutCancel(ctx), out.MessageID); delErr != nil {
			log.Error().Err(delErr).Str("message_id", out.MessageID).Msg("Failed to remove unsent message")
		}
		if apperr.KindOf(err) == apperr.KindTransport {
			return nil, err
		}
		return nil, apperr.Transport(op, err)
	}

	log.Debug().
		Str("conversation_id", out.ConversationID).
		Str("message_id", out.MessageID).
		Msg("Message sent")
	msg.Payload.Plaintext = out.Text
	return &msg, nil
}

// Receive decrypts an incoming envelope and stores it. The returned message
// always carries the plaintext; the stored copy follows Options.
func (m *Messenger) Receive(ctx context.Context, env Envelope) (*chatstore.ChatMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.RecipientID != m.identity.UserID() {
		return nil, apperr.Validation("Receive", "envelope is addressed to %q", env.RecipientID)
	}

	enc := cryptoengine.EncryptedMessage{Encrypted: env.Ciphertext, Nonce: env.Nonce}
	text, err := m.identity.Decrypt(enc, env.SenderPublicKey)
	if err != nil {
		return nil, err
	}

	msg := chatstore.ChatMessage{
		ID:             env.MessageID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		CreatedAt:      env.CreatedAt,
		Metadata: map[string]string{
			MetaPeerPublicKey: env.SenderPublicKey,
			MetaDirection:     DirectionIn,
		},
	}
	msg.Payload = m.payload(&enc, text)

	if err := m.store.SaveChat(ctx, msg); err != nil {
		return nil, err
	}
	msg.Payload.Plaintext = text
	return &msg, nil
}

// Reveal returns the text of a stored message, decrypting it when it was
// stored as ciphertext.
func (m *Messenger) Reveal(msg chatstore.ChatMessage) (string, error) {
	if !msg.Payload.Encrypted() {
		return msg.Payload.Plaintext, nil
	}
	peer := msg.Metadata[MetaPeerPublicKey]
	if peer == "" {
		return "", apperr.Crypto(apperr.TagCorrupted, "Reveal", errors.New("stored message has no peer key"))
	}
	return m.identity.Decrypt(cryptoengine.EncryptedMessage{
		Encrypted: msg.Payload.Ciphertext,
		Nonce:     msg.Payload.Nonce,
	}, peer)
}

// Listen receives envelopes for this identity until ctx is done.
func (m *Messenger) Listen(ctx context.Context) error {
	unsubscribe, err := m.transport.Subscribe(m.identity.UserID(), func(env Envelope) {
		msg, err := m.Receive(ctx, env)
		if err != nil {
			log.Warn().Err(err).
				Str("message_id", env.MessageID).
				Str("sender_id", env.SenderID).
				Msg("Dropping incoming message")
			return
		}
		log.Debug().
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("Message received")
	})
	if err != nil {
		return err
	}
	log.Info().Str("user_id", m.identity.UserID()).Msg("Listening for messages")

	<-ctx.Done()
	if err := unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	return nil
}

func (m *Messenger) payload(enc *cryptoengine.EncryptedMessage, text string) chatstore.Payload {
	if m.opts.StoreCiphertext {
		return chatstore.Payload{Ciphertext: enc.Encrypted, Nonce: enc.Nonce}
	}
	return chatstore.Payload{Plaintext: text}
}
