// Package events publishes domain events emitted after state changes commit.
// Publishing is best-effort: callers log failures and never roll back.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cabohealth/internal/util"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ReportApproved  = "report.approved"
	AnalysisDrafted = "analysis.drafted"
	AnalysisFailed  = "analysis.failed"

	DefaultExchange = "cabohealth.events"
)

// Event is the JSON envelope written to the broker.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	AnalysisID string            `json:"analysisId"`
	PatientID  string            `json:"patientId,omitempty"`
	DoctorID   string            `json:"doctorId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// New stamps an event with an id and the current time.
func New(eventType, analysisID string) Event {
	return Event{
		ID:         util.NewID(),
		Type:       eventType,
		AnalysisID: analysisID,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the structured log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []Event
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Type) == "" {
		return errors.New("event type required")
	}
	p.mu.Lock()
	p.sent = append(p.sent, ev)
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "domain event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"analysis_id", ev.AnalysisID,
		"patient_id", ev.PatientID,
		"doctor_id", ev.DoctorID,
	)
	return nil
}

// Published returns a copy of every event seen so far.
func (p *LogPublisher) Published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *LogPublisher) Close() error { return nil }

// AMQPPublisher publishes persistent JSON messages to a topic exchange,
// routed by event type.
type AMQPPublisher struct {
	exchange string
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// NewPublisher returns an AMQP publisher when url is set, otherwise a LogPublisher.
func NewPublisher(url, exchange string, logger *slog.Logger) (Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return NewLogPublisher(logger), nil
	}
	return NewAMQPPublisher(url, exchange)
}

// PublishBestEffort logs and swallows publish errors.
func PublishBestEffort(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "event_type", ev.Type, "analysis_id", ev.AnalysisID, "err", err)
	}
}
