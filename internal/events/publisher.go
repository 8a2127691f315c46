package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DefaultExchange is the fanout exchange events are published to. Every
// consumer binds its own queue to it, so each node sees every event.
const DefaultExchange = "clinicflow.events"

// ErrDropped is returned by Emit when the outbound buffer is full.
var ErrDropped = errors.New("events: publisher buffer full, event dropped")

const (
	defaultBuffer      = 1024
	defaultDialTimeout = 3 * time.Second
	flushTimeout       = 2 * time.Second
)

type outbound struct {
	typ  Type
	body []byte
}

// Publisher sends events to a RabbitMQ fanout exchange. Emit only
// enqueues; a single worker owns the connection, dials lazily with a
// bounded timeout and redials after a failure. A slow or unreachable
// broker therefore never holds up the queue operations that emit.
type Publisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration
	log         zerolog.Logger

	out  chan outbound
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	// owned by the worker
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher starts the publishing worker. It does not dial; the first
// event does.
func NewPublisher(url, exchange string, log zerolog.Logger) *Publisher {
	return newPublisher(url, exchange, defaultBuffer, defaultDialTimeout, log)
}

func newPublisher(url, exchange string, buffer int, dialTimeout time.Duration, log zerolog.Logger) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{
		url:         url,
		exchange:    exchange,
		dialTimeout: dialTimeout,
		log:         log.With().Str("component", "amqp-publisher").Logger(),
		out:         make(chan outbound, buffer),
		done:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// declareExchange makes sure the fanout exchange exists (idempotent).
func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,                // name
		amqp.ExchangeFanout, // kind
		true,                // durable
		false,               // autoDelete
		false,               // internal
		false,               // noWait
		nil,                 // args
	)
}

// channel returns an open channel, dialing when needed.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(p.dialTimeout)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

// reset drops the current connection.
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) run() {
	defer p.wg.Done()
	defer p.reset()
	for {
		select {
		case msg := <-p.out:
			p.publish(context.Background(), msg)
		case <-p.done:
			p.flush()
			return
		}
	}
}

// flush sends whatever is still buffered, giving up after flushTimeout.
func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.out:
			if ctx.Err() != nil {
				p.log.Warn().Int("dropped", len(p.out)+1).Msg("shutdown flush timed out")
				return
			}
			p.publish(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg outbound) {
	ch, err := p.channel()
	if err != nil {
		p.log.Error().Err(err).Str("type", string(msg.typ)).Msg("dial failed, event dropped")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(msg.typ),
		Body:         msg.body,
	}
	if err := ch.PublishWithContext(ctx,
		p.exchange, // fanout exchange
		"",         // routing key is ignored by fanout
		false,      // mandatory
		false,      // immediate
		pub,
	); err != nil {
		p.log.Error().Err(err).Str("type", string(msg.typ)).Msg("publish failed")
		p.reset()
	}
}

// Emit enqueues ev for publishing and returns at once. It fails with
// ErrDropped when the buffer is full and after Close.
func (p *Publisher) Emit(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrDropped
	default:
	}
	select {
	case p.out <- outbound{typ: ev.Type, body: body}:
		return nil
	default:
		return ErrDropped
	}
}

// Close stops the worker after a bounded flush of buffered events.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	return nil
}
