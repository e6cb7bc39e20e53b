// Package events publishes a message for every record that reaches a final
// state so downstream consumers can follow the pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"aqar_pipeline/config"
	"aqar_pipeline/models"
)

const (
	eventType    = "listing.processed"
	eventVersion = "1.0"
)

type traceKey struct{}

// WithTraceID attaches a trace id, normally the processing cycle id, that is
// carried in the x-trace-id header of published events.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

type Publisher interface {
	PublishRecord(ctx context.Context, rec *models.PropertyRecord, class models.Classification) error
	Close() error
}

// RecordEvent is the JSON body of a listing.processed message.
type RecordEvent struct {
	EventID        string            `json:"event_id"`
	OccurredAt     time.Time         `json:"occurred_at"`
	RecordID       int64             `json:"record_id"`
	MessageID      int64             `json:"message_id"`
	Status         models.Status     `json:"status"`
	Classification string            `json:"classification,omitempty"`
	UnitCode       string            `json:"unit_code"`
	Attempts       int               `json:"attempts"`
	Fields         map[string]string `json:"fields"`
	NotionPageID   string            `json:"notion_page_id,omitempty"`
	CRMRecordID    string            `json:"crm_record_id,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// NewRecordEvent builds the event for rec. class may be empty for failures.
func NewRecordEvent(rec *models.PropertyRecord, class models.Classification, now time.Time) RecordEvent {
	return RecordEvent{
		EventID:        uuid.NewString(),
		OccurredAt:     now.UTC(),
		RecordID:       rec.ID,
		MessageID:      rec.SourceMessageID,
		Status:         rec.Status,
		Classification: string(class),
		UnitCode:       rec.UnitCode,
		Attempts:       rec.ProcessingAttempts,
		Fields:         rec.Fields(),
		NotionPageID:   rec.NotionPropertyID,
		CRMRecordID:    rec.CRMRecordID,
		LastError:      rec.LastError(),
	}
}

// AMQPPublisher sends events to a durable topic exchange.
type AMQPPublisher struct {
	conn       *amqp.Connection
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewAMQPPublisher(cfg config.AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange %q: %w", cfg.Exchange, err)
	}
	return &AMQPPublisher{
		conn:       conn,
		ch:         ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger.With("component", "events"),
	}, nil
}

func (p *AMQPPublisher) PublishRecord(ctx context.Context, rec *models.PropertyRecord, class models.Classification) error {
	event := NewRecordEvent(rec, class, time.Now())
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.conn.IsClosed() {
		return fmt.Errorf("events: connection closed")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    event.OccurredAt,
		Type:         eventType,
		Headers: amqp.Table{
			"event-type":    eventType,
			"event-version": eventVersion,
			"x-trace-id":    TraceID(ctx),
			"status":        string(rec.Status),
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	p.logger.Debug("published record event", "record_id", rec.ID, "event_id", event.EventID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		firstErr = p.ch.Close()
		p.ch = nil
	}
	if err := p.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) PublishRecord(context.Context, *models.PropertyRecord, models.Classification) error {
	return nil
}

func (Noop) Close() error { return nil }
