// ABOUTME: AMQP execution sink publishing one JSON event per tool call
// ABOUTME: Routing key is relay.execution.<status> on a durable topic exchange

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/relay-gateway/internal/store"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "relay.audit"

// publisher is the subset of *amqp.Channel the sink needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes executions to a RabbitMQ exchange.
type AMQPSink struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publishing
	ch       publisher
	exchange string
	logger   *slog.Logger
}

// Event is the JSON message body published per execution.
type Event struct {
	ID                string         `json:"id"`
	TenantID          int64          `json:"server_id"`
	InstanceID        int64          `json:"instance_id"`
	ToolID            int64          `json:"tool_id"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
	Status            string         `json:"status"`
	HTTPStatus        int            `json:"http_status,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	InputParams       map[string]any `json:"input_params,omitempty"`
	ResponseBody      string         `json:"response_body,omitempty"`
	RequestURL        string         `json:"request_url,omitempty"`
	RequestMethod     string         `json:"request_method,omitempty"`
	ResponseSizeBytes int64          `json:"response_size_bytes"`
	Transport         string         `json:"transport,omitempty"`
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	logger = logger.With("component", "audit.amqp")
	logger.Info("amqp audit sink connected", "exchange", exchange)

	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Record publishes one execution event.
func (s *AMQPSink) Record(ctx context.Context, e *store.Execution) error {
	body, err := json.Marshal(newEvent(e))
	if err != nil {
		return fmt.Errorf("marshaling execution event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.StartedAt,
		Type:         "relay.execution",
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(e.Status), false, false, msg); err != nil {
		return fmt.Errorf("publishing execution: %w", err)
	}
	return nil
}

// RoutingKey returns the topic key for an execution status.
func RoutingKey(status store.ExecutionStatus) string {
	return "relay.execution." + string(status)
}

func newEvent(e *store.Execution) Event {
	ev := Event{
		ID:                e.ID,
		TenantID:          e.TenantID,
		InstanceID:        e.InstanceID,
		ToolID:            e.ToolID,
		StartedAt:         e.StartedAt.UTC(),
		DurationMS:        e.DurationMS,
		Status:            string(e.Status),
		HTTPStatus:        e.HTTPStatus,
		ErrorMessage:      e.ErrorMessage,
		InputParams:       e.InputParams,
		ResponseBody:      e.ResponseBody,
		RequestURL:        e.RequestURL,
		RequestMethod:     e.RequestMethod,
		ResponseSizeBytes: e.ResponseSizeBytes,
		Transport:         e.Transport,
	}
	if !e.CompletedAt.IsZero() {
		completed := e.CompletedAt.UTC()
		ev.CompletedAt = &completed
	}
	return ev
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Close(); err != nil {
		s.logger.Warn("closing amqp channel", "error", err)
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
