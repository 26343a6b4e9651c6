package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/artgen/internal/logging"
)

// Conn is the subset of a NATS connection the hub needs.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (Subscription, error)
}

// Subscription is a live NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// WrapConn adapts a *nats.Conn to Conn.
func WrapConn(nc *nats.Conn) Conn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) Publish(subj string, data []byte) error {
	return a.nc.Publish(subj, data)
}

func (a *natsConnAdapter) Subscribe(subj string, cb nats.MsgHandler) (Subscription, error) {
	return a.nc.Subscribe(subj, cb)
}

// ConnectionConfig holds NATS connection settings.
type ConnectionConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

// DefaultConnectionConfig returns settings suited to a local NATS server.
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "artgen",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect dials NATS, giving up when ctx ends first.
func Connect(ctx context.Context, cfg ConnectionConfig, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	logger = logging.OrDefault(logger)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// NATSHub publishes events as JSON on "<prefix>.<event_type>" so external
// dashboards can follow a run.
type NATSHub struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSHub creates a hub publishing under prefix (default "artgen").
func NewNATSHub(conn Conn, prefix string, logger *slog.Logger) *NATSHub {
	if prefix == "" {
		prefix = "artgen"
	}
	return &NATSHub{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logging.OrDefault(logger)}
}

// Subject returns the subject an event type is published on.
func (h *NATSHub) Subject(eventType string) string {
	return h.prefix + "." + eventType
}

// Publish encodes event and publishes it.
func (h *NATSHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventType, err)
	}
	if err := h.conn.Publish(h.Subject(event.EventType), data); err != nil {
		return fmt.Errorf("publish event %s: %w", event.EventType, err)
	}
	return nil
}

// Subscribe listens on every subject under the prefix, decoding and
// filtering events. Slow consumers drop events like MemoryHub.
func (h *NATSHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent, DefaultBuffer)
	sub, err := h.conn.Subscribe(h.prefix+".>", func(msg *nats.Msg) {
		var ev StreamEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.logger.Debug("dropping undecodable event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		if !filter.Match(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s.>: %w", h.prefix, err)
	}
	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	return ch, cancel, nil
}

// MultiHub fans every event out to several hubs. Subscriptions are served
// by the first hub.
type MultiHub []EventHub

// Publish sends to every hub and returns the first error.
func (m MultiHub) Publish(ctx context.Context, event StreamEvent) error {
	var first error
	for _, h := range m {
		if err := h.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscribe subscribes on the first hub.
func (m MultiHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if len(m) == 0 {
		return Discard{}.Subscribe(ctx, filter)
	}
	return m[0].Subscribe(ctx, filter)
}

var (
	_ EventHub = (*MemoryHub)(nil)
	_ EventHub = (*NATSHub)(nil)
	_ EventHub = MultiHub(nil)
	_ EventHub = Discard{}
)
