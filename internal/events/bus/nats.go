package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/config"
	"github.com/rzapply/rzapply/internal/common/logger"
)

const natsDrainTimeout = 5 * time.Second

// NATSEventBus mirrors coordinator events onto a NATS server so dashboards
// and other services can follow task progress. Subjects are namespaced under
// the configured prefix, e.g. "rzapply.task.completed".
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus dials cfg.URL. The connection keeps reconnecting in the
// background and buffers publishes while it is down.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats-bus"))

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("lost NATS connection, events are buffered", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Info("event bus connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("subject_prefix", cfg.SubjectPrefix))
	return &NATSEventBus{
		conn:   conn,
		prefix: strings.Trim(cfg.SubjectPrefix, "."),
		logger: log,
	}, nil
}

func (b *NATSEventBus) subject(s string) string {
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

// Publish encodes the event as JSON. Task and client ids travel as headers
// too, so consumers can route without decoding the body.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	msg := nats.NewMsg(b.subject(subject))
	msg.Data = body
	msg.Header.Set("Rzapply-Event-Type", event.Type)
	if event.TaskID != "" {
		msg.Header.Set("Rzapply-Task-Id", event.TaskID)
	}
	if event.ClientID != "" {
		msg.Header.Set("Rzapply-Client-Id", event.ClientID)
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	full := b.subject(subject)
	sub, err := b.conn.Subscribe(full, func(msg *nats.Msg) {
		event := new(Event)
		if err := json.Unmarshal(msg.Data, event); err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("task_id", event.TaskID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", full, err)
	}
	return sub, nil
}

// Close flushes buffered events before disconnecting
func (b *NATSEventBus) Close() {
	if b.conn == nil || b.conn.IsClosed() {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed, closing", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
