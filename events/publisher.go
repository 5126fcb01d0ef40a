// Package events publishes session lifecycle events to Kafka. Events carry
// identifiers, states and counts only; transcript text is never published.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"coach/log"
	"coach/metrics"
)

// Event types.
const (
	SessionStarted    = "session_started"
	SessionEnded      = "session_ended"
	StateChanged      = "state_changed"
	TranscriptOutcome = "transcript_outcome"
	ConnectionLost    = "connection_lost"
)

type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	RoomID    string    `json:"roomId,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Turns     int       `json:"turns,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events. Publisher is the only production implementation.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w       writer
	topic   string
	enabled bool
	metrics *metrics.Metrics
}

// New returns a Publisher. When Kafka is disabled or has no brokers the
// publisher only logs.
func New(cfg Config, m *metrics.Metrics) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, session events are log-only")
		return &Publisher{topic: cfg.Topic, metrics: m}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	log.Infof("kafka publisher: brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return &Publisher{w: w, topic: cfg.Topic, enabled: true, metrics: m}
}

// Publish writes e keyed by session id so one session's events stay ordered.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	log.Debugf("event %s session=%s %s", e.Type, e.SessionID, payload)

	if !p.enabled || p.w == nil {
		p.metrics.RecordEvent(e.Type, nil)
		return nil
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(e.Type)},
		},
	})
	p.metrics.RecordEvent(e.Type, err)
	if err != nil {
		log.Warnf("kafka publish %s: %v", e.Type, err)
	}
	return err
}

func (p *Publisher) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}
