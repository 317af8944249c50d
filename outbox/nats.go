package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"marketflow/logging"
	"marketflow/tracing"
)

// NATSPublisher publishes outbox messages with the topic as subject.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url, appName string, logger *zap.Logger) (*NATSPublisher, error) {
	log := logging.OrNop(logger).Named("nats")
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s outbox relay", appName)),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("outbox: connect nats %s: %w", url, err)
	}
	log.Info("nats connected", zap.String("url", conn.ConnectedUrl()))
	return &NATSPublisher{conn: conn, logger: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, m Message) (err error) {
	ctx, span := tracing.Tracer("marketflow/outbox").Start(ctx, "nats.publish "+m.Topic)
	defer func() { tracing.End(span, err) }()

	msg := nats.NewMsg(m.Topic)
	msg.Data = m.Payload
	msg.Header.Set("Nats-Msg-Id", m.ID)
	if m.Key != "" {
		msg.Header.Set("Msg-Key", m.Key)
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(msg.Header))

	if err = p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("outbox: publish %s: %w", m.Topic, err)
	}
	p.logger.Debug("published", zap.String("topic", m.Topic), zap.String("id", m.ID))
	return nil
}

// Close drains pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil || p.conn.IsClosed() {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Error("nats drain failed", zap.Error(err))
		p.conn.Close()
	}
}

// HeaderCarrier adapts nats.Header to the otel TextMapCarrier.
type HeaderCarrier nats.Header

func (c HeaderCarrier) Get(key string) string {
	return nats.Header(c).Get(key)
}

func (c HeaderCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
