// Package events publishes pipeline lifecycle events to a message bus.
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dshills/carecall/internal/logger"
)

// Subjects published by the service.
const (
	SubjectAnalysisCompleted = "carecall.analysis.completed"
	SubjectDocumentUpdated   = "carecall.document.updated"
	SubjectContextCleared    = "carecall.context.cleared"
	SubjectProviderSwitched  = "carecall.provider.switched"
)

// Event is the envelope for every published message.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New returns an event of type subject with a fresh ID.
func New(subject, sessionID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      subject,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Config selects and configures a bus.
type Config struct {
	Bus          string // none, nats or redis
	NatsURL      string
	NatsToken    string
	RedisAddr    string
	RedisChannel string
}

// Open returns the publisher named by cfg.Bus.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Publisher, error) {
	switch cfg.Bus {
	case "", "none":
		return Nop{}, nil
	case "nats":
		return NewNATS(cfg.NatsURL, cfg.NatsToken, log)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisChannel, log)
	}
	return nil, fmt.Errorf("events: unknown bus %q", cfg.Bus)
}

// NATS publishes each event on the subject named by its type.
type NATS struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATS connects to url, retrying in the background if the server is not
// yet reachable.
func NewNATS(url, token string, log *logger.Logger) (*NATS, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("service", "nats_events")
	opts := []nats.Option{
		nats.Name("carecall"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return &NATS{conn: nc, log: log}, nil
}

// Publish sends ev as JSON on the subject ev.Type.
func (n *NATS) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := n.conn.Publish(ev.Type, payload); err != nil {
		n.log.Warn("nats publish failed", "subject", ev.Type, "event_id", ev.ID, "error", err)
		return fmt.Errorf("events: nats publish %s: %w", ev.Type, err)
	}
	n.log.Debug("event published", "subject", ev.Type, "event_id", ev.ID)
	return nil
}

// Close drains pending messages, then closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.log.Warn("nats drain failed; closing", "error", err)
		n.conn.Close()
		return err
	}
	return nil
}

// Redis publishes every event on one pub/sub channel.
type Redis struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

// NewRedis connects to addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, channel string, log *logger.Logger) (*Redis, error) {
	if log == nil {
		log = logger.Nop()
	}
	if addr == "" {
		return nil, fmt.Errorf("events: missing redis address")
	}
	if channel == "" {
		channel = "carecall.events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}
	return &Redis{rdb: rdb, channel: channel, log: log.With("service", "redis_events")}, nil
}

// Publish sends ev as JSON on the configured channel.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn("redis publish failed", "channel", r.channel, "event_type", ev.Type, "event_id", ev.ID, "error", err)
		return fmt.Errorf("events: redis publish: %w", err)
	}
	r.log.Debug("event published", "channel", r.channel, "event_type", ev.Type, "event_id", ev.ID)
	return nil
}

func (r *Redis) Close() error {
	if err := r.rdb.Close(); err != nil {
		r.log.Warn("redis close failed", "error", err)
		return err
	}
	return nil
}

// Recorder keeps published events in memory. Tests use it to observe what
// the service emits.
type Recorder struct {
	events chan Event
}

// NewRecorder returns a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	default:
		return fmt.Errorf("events: recorder full")
	}
}

func (r *Recorder) Close() error { return nil }

// Events drains and returns the recorded events.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
