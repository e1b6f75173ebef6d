// Package events consumes posting-created messages from RabbitMQ and feeds them to the intake.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/metrics"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// Disposition is what happens to a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	// Reject drops a message that will never succeed.
	Reject
	// Requeue returns a message whose failure may be transient.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Submitter stores a posting; *intake.Intake implements it.
type Submitter interface {
	Submit(ctx context.Context, p posting.Posting) (posting.Posting, error)
}

// Handler decides the fate of each delivery.
type Handler struct {
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(s Submitter, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{submitter: s, metrics: m, logger: logger}
}

// HandleDelivery decodes body and submits the posting.
func (h *Handler) HandleDelivery(ctx context.Context, body []byte) Disposition {
	d := h.handle(ctx, body)
	h.metrics.EventsConsumedTotal.WithLabelValues(d.String()).Inc()
	return d
}

func (h *Handler) handle(ctx context.Context, body []byte) Disposition {
	var msg posting.Input
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		h.logger.Warn("Rejecting malformed posting message", zap.Error(err))
		return Reject
	}

	p, err := msg.Posting()
	if err != nil {
		h.logger.Warn("Rejecting posting message", zap.Error(err))
		return Reject
	}

	stored, err := h.submitter.Submit(ctx, p)
	switch {
	case errors.Is(err, features.ErrFeatureValidation), errors.Is(err, intake.ErrInvalidPosting):
		h.logger.Warn("Rejecting invalid posting",
			zap.Int64("tenant_id", msg.TenantID),
			zap.Error(err))
		return Reject
	case err != nil:
		h.logger.Error("Failed to store posting, requeueing",
			zap.Int64("tenant_id", msg.TenantID),
			zap.Error(err))
		return Requeue
	}

	h.logger.Debug("Posting consumed",
		zap.Int64("posting_id", stored.ID),
		zap.Stringer("tenant_id", stored.TenantID))
	return Ack
}

// Consumer reads a durable queue with manual acknowledgements.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	handler *Handler
	logger  *zap.Logger
}

// Dial connects to the broker, declares queue and sets the prefetch window.
func Dial(url, queue string, prefetch int, h *Handler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	return &Consumer{conn: conn, channel: ch, queue: queue, handler: h, logger: logger}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %q: %w", c.queue, err)
	}
	c.logger.Info("Consuming posting events", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := settle(d, c.handler.HandleDelivery(ctx, d.Body)); err != nil {
				c.logger.Error("Failed to settle delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
			}
		}
	}
}

func settle(d amqp.Delivery, disp Disposition) error {
	switch disp {
	case Ack:
		return d.Ack(false)
	case Reject:
		return d.Reject(false)
	default:
		return d.Nack(false, true)
	}
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
