// Package telemetry implements the Telemetry Emitter (C2): a bounded,
// drop-oldest queue feeding a background publisher that writes events to a
// message bus, never blocking the request path (spec.md §5).
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event is one telemetry record (request start/end, breaker transition,
// rate-limit/auth/block decisions).
type Event struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Route     string         `json:"route,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RoutingKeys maps an event type to its AMQP topic routing key.
var RoutingKeys = map[string]string{
	"http":          "logs.gateway",
	"auth":          "events.auth",
	"ratelimit":     "events.ratelimit",
	"circuitbreaker": "events.circuitbreaker",
}

const defaultQueueCapacity = 10000

// Emitter buffers events in a bounded channel and publishes them from a
// single background goroutine, dropping the oldest queued event on overflow
// rather than blocking the caller.
type Emitter struct {
	log    *slog.Logger
	events chan Event

	ch       *amqp.Channel
	exchange string

	done chan struct{}
}

// Config configures the AMQP connection the Emitter publishes through.
type Config struct {
	AMQPURL      string
	Exchange     string // topic exchange, default "apigw.events"
	QueueCapacity int
}

// New dials the message bus and starts the background publisher. If conn
// dialing fails, New returns an error; callers should treat telemetry
// unavailability as non-fatal to gateway startup (log and continue with a
// no-op Emitter via NewNoop).
func New(log *slog.Logger, cfg Config) (*Emitter, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "apigw.events"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	e := &Emitter{
		log:      log,
		events:   make(chan Event, cfg.QueueCapacity),
		ch:       ch,
		exchange: cfg.Exchange,
		done:     make(chan struct{}),
	}
	go e.publishLoop()
	return e, nil
}

// NewNoop returns an Emitter that accepts events but never publishes them,
// for environments without a configured message bus (tests, local dev).
func NewNoop(log *slog.Logger) *Emitter {
	e := &Emitter{log: log, events: make(chan Event, defaultQueueCapacity), done: make(chan struct{})}
	go e.publishLoop()
	return e
}

// Emit enqueues ev without blocking. If the queue is full, the oldest queued
// event is dropped to make room (spec.md §5's drop-oldest policy), and a
// WARN is logged.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.events <- ev:
		return
	default:
	}

	select {
	case old := <-e.events:
		e.log.Warn("telemetry queue full, dropping oldest event", slog.String("type", old.Type))
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.log.Warn("telemetry queue saturated, dropping event", slog.String("type", ev.Type))
	}
}

func (e *Emitter) publishLoop() {
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.publish(ev)
		case <-e.done:
			return
		}
	}
}

func (e *Emitter) publish(ev Event) {
	if e.ch == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		e.log.Warn("telemetry: failed to marshal event", slog.String("error", err.Error()))
		return
	}

	key := RoutingKeys[ev.Type]
	if key == "" {
		key = "logs.gateway"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = e.ch.PublishWithContext(ctx, e.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		e.log.Warn("telemetry: publish failed, dropping event",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// Close stops the background publisher and closes the AMQP channel.
func (e *Emitter) Close() error {
	close(e.done)
	if e.ch != nil {
		return e.ch.Close()
	}
	return nil
}
