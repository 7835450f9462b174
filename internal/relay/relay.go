// Package relay forwards directed events between server processes over
// NATS, so users connected to different processes can reach each other.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/models"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "chatsync"

// LocalDelivery hands an event to a user connected to this process.
type LocalDelivery interface {
	DeliverLocal(receiverID string, ev models.Event) bool
}

type Config struct {
	URL           string
	SubjectPrefix string
	Logger        *slog.Logger
}

type NATS struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	logger *slog.Logger
}

// Connect dials NATS and starts forwarding relayed events to local.
func Connect(cfg Config, local LocalDelivery) (*NATS, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chatsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r, err := New(nc, cfg.SubjectPrefix, local, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

// New relays over an existing connection. Close closes nc.
func New(nc *nats.Conn, prefix string, local LocalDelivery, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &NATS{conn: nc, prefix: prefix, logger: logger}

	sub, err := nc.Subscribe(prefix+".user.*", func(m *nats.Msg) {
		receiverID := strings.TrimPrefix(m.Subject, prefix+".user.")
		var ev models.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			r.logger.Debug("ignoring malformed relayed event", "subject", m.Subject, "error", err)
			return
		}
		local.DeliverLocal(receiverID, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	r.sub = sub
	return r, nil
}

func (r *NATS) subject(receiverID string) string {
	return r.prefix + ".user." + receiverID
}

func (r *NATS) Publish(receiverID string, ev models.Event) error {
	if receiverID == "" || strings.ContainsAny(receiverID, ".*> \t") {
		return fmt.Errorf("invalid receiver id %q", receiverID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.subject(receiverID), data)
}

func (r *NATS) Close() error {
	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
	}
	r.conn.Close()
	return err
}
