package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/wapanel/internal/metrics"
	"github.com/foxzi/wapanel/internal/models"
)

// Type names a campaign lifecycle event
type Type string

const (
	CampaignStarted   Type = "campaign.started"
	CampaignPaused    Type = "campaign.paused"
	CampaignResumed   Type = "campaign.resumed"
	CampaignCancelled Type = "campaign.cancelled"
	CampaignCompleted Type = "campaign.completed"
)

// Event is published on every campaign status change
type Event struct {
	Type       Type             `json:"type"`
	CampaignID string           `json:"campaign_id"`
	Name       string           `json:"name,omitempty"`
	Source     string           `json:"source,omitempty"`
	Progress   *models.Progress `json:"progress,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// AMQPConfig configures the AMQP publisher
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes events to a topic exchange, routed by event type
type AMQPPublisher struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "wapanel.events"
	}
	p := &AMQPPublisher{cfg: cfg, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// Publish sends ev, reconnecting once if the channel was closed
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(); err != nil {
			metrics.IncEventsPublished("error")
			return err
		}
	}

	err = p.ch.Publish(
		p.cfg.Exchange,
		string(ev.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		metrics.IncEventsPublished("error")
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}

	metrics.IncEventsPublished("ok")
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the recorded event types in publish order
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
