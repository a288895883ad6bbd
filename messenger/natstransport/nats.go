// Package natstransport carries messenger envelopes over NATS. Each user
// receives on the subject <prefix>.<userID>.
package natstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/config"
	"github.com/mesmerverse/chatvault/messenger"
)

// Transport implements messenger.Transport on a NATS connection.
type Transport struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

var _ messenger.Transport = (*Transport)(nil)

// Connect dials NATS with cfg. A configured credentials file must exist.
func Connect(cfg config.NATSConfig) (*Transport, error) {
	opts, err := connectOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, apperr.Transport("Connect", fmt.Errorf("dial %s: %w", cfg.URL, err))
	}
	log.Info().Str("url", conn.ConnectedUrl()).Str("prefix", cfg.SubjectPrefix).Msg("Inbox transport connected")
	return New(conn, cfg.SubjectPrefix), nil
}

func connectOptions(cfg config.NATSConfig) ([]nats.Option, error) {
	if cfg.URL == "" {
		return nil, apperr.Validation("Connect", "transport.nats.url is required")
	}

	opts := []nats.Option{
		nats.Name("chatvault"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Inbox transport lost its connection")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Uint64("reconnects", nc.Reconnects).Msg("Inbox transport reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Warn().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("Inbox subscription error")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, apperr.Validation("Connect", "credentials file %q: %v", cfg.CredentialsFile, err)
		}
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	return opts, nil
}

// New wraps an existing connection.
func New(conn *nats.Conn, prefix string) *Transport {
	return &Transport{
		conn:   conn,
		prefix: prefix,
		subs:   make(map[*nats.Subscription]struct{}),
	}
}

// Subject returns the inbox subject of userID.
func Subject(prefix, userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, ".*> \t\r\n") {
		return "", apperr.Validation("Subject", "user id %q is not a valid subject token", userID)
	}
	if prefix == "" {
		return userID, nil
	}
	return prefix + "." + userID, nil
}

// Send publishes env to its recipient's inbox and flushes, so a nil error
// means the server accepted the message.
func (t *Transport) Send(ctx context.Context, env messenger.Envelope) error {
	const op = "Send"
	subject, err := Subject(t.prefix, env.RecipientID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperr.Validation(op, "envelope %q: %v", env.MessageID, err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return apperr.Transport(op, fmt.Errorf("publish %s: %w", subject, err))
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return apperr.Transport(op, fmt.Errorf("flush %s: %w", subject, err))
	}
	return nil
}

// Subscribe delivers envelopes for userID to handler. Messages that do not
// decode as envelopes are dropped.
func (t *Transport) Subscribe(userID string, handler func(messenger.Envelope)) (func() error, error) {
	subject, err := Subject(t.prefix, userID)
	if err != nil {
		return nil, err
	}

	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Int("size", len(msg.Data)).Msg("Dropping undecodable envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, apperr.Transport("Subscribe", fmt.Errorf("subscribe %s: %w", subject, err))
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	log.Debug().Str("subject", subject).Msg("Inbox subscribed")

	return func() error {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		return sub.Unsubscribe()
	}, nil
}

func decodeEnvelope(data []byte) (messenger.Envelope, error) {
	var env messenger.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// Close drains open subscriptions and closes the connection.
func (t *Transport) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*nats.Subscription]struct{})
	t.mu.Unlock()

	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", sub.Subject).Msg("Unsubscribe on close failed")
		}
	}
	t.conn.Close()
}
