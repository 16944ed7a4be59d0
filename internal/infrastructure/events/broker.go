package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// ErrBrokerClosed is returned when publishing after shutdown.
var ErrBrokerClosed = errors.New("broker closed")

// BrokerOptions tune delivery.
type BrokerOptions struct {
	Workers           int
	MaxDeliveries     int
	RedeliveryBackoff time.Duration
}

func (o BrokerOptions) normalized() BrokerOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RedeliveryBackoff <= 0 {
		o.RedeliveryBackoff = 20 * time.Millisecond
	}
	return o
}

// Broker is an in-process at-least-once message bus. Messages are queued
// without bound, consumed by a fixed worker pool and redelivered with a
// linear backoff when the handler fails. Ordering across workers is not
// guaranteed.
type Broker struct {
	opts   BrokerOptions
	logger ports.Logger
	now    func() time.Time

	mu          sync.Mutex
	cond        *sync.Cond
	ready       []ports.Message
	parked      map[string][]ports.Message
	handlers    map[string]ports.MessageHandler
	outstanding int
	closed      bool
	deadLetters []ports.Message
}

// NewBroker creates a broker. Call Run to start consuming.
func NewBroker(opts BrokerOptions, logger ports.Logger) *Broker {
	b := &Broker{
		opts:     opts.normalized(),
		logger:   logger,
		now:      time.Now,
		parked:   make(map[string][]ports.Message),
		handlers: make(map[string]ports.MessageHandler),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers the single consumer of topic. Messages published
// before a consumer existed are released to it.
func (b *Broker) Subscribe(topic string, handler ports.MessageHandler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("subscribe: topic and handler are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[topic]; exists {
		return fmt.Errorf("subscribe: topic %q already has a consumer", topic)
	}
	b.handlers[topic] = handler
	if parked := b.parked[topic]; len(parked) > 0 {
		b.ready = append(b.ready, parked...)
		b.outstanding += len(parked)
		delete(b.parked, topic)
		b.cond.Broadcast()
	}
	return nil
}

// Publish enqueues msg, assigning an id and timestamp when missing.
func (b *Broker) Publish(_ context.Context, msg ports.Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("publish: topic is required")
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.handlers[msg.Topic]; !ok {
		b.parked[msg.Topic] = append(b.parked[msg.Topic], msg)
		return nil
	}
	b.ready = append(b.ready, msg)
	b.outstanding++
	b.cond.Broadcast()
	return nil
}

// Run consumes messages until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(groupCtx, func() {
		b.mu.Lock()
		b.closed = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for i := 0; i < b.opts.Workers; i++ {
		group.Go(func() error {
			for {
				msg, ok := b.next(groupCtx)
				if !ok {
					return nil
				}
				b.deliver(groupCtx, msg)
			}
		})
	}
	return group.Wait()
}

// WaitIdle blocks until no message is queued, in flight or awaiting
// redelivery.
func (b *Broker) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.outstanding > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

// DeadLetters returns messages that exhausted their deliveries.
func (b *Broker) DeadLetters() []ports.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.Message(nil), b.deadLetters...)
}

func (b *Broker) next(ctx context.Context) (ports.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.ready) == 0 {
		if b.closed || ctx.Err() != nil {
			return ports.Message{}, false
		}
		b.cond.Wait()
	}
	if ctx.Err() != nil {
		return ports.Message{}, false
	}
	msg := b.ready[0]
	b.ready[0] = ports.Message{}
	b.ready = b.ready[1:]
	return msg, true
}

func (b *Broker) deliver(ctx context.Context, msg ports.Message) {
	b.mu.Lock()
	handler := b.handlers[msg.Topic]
	b.mu.Unlock()

	msg.Attempt++
	err := invoke(ctx, handler, msg)
	if err == nil {
		b.settle()
		return
	}

	if msg.Attempt >= b.opts.MaxDeliveries {
		b.logError(ctx, "message dead-lettered", msg, err)
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, msg)
		b.mu.Unlock()
		b.settle()
		return
	}

	b.logWarn(ctx, "message handler failed, redelivering", msg, err)
	delay := b.opts.RedeliveryBackoff * time.Duration(msg.Attempt)
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			b.outstanding--
			b.cond.Broadcast()
			return
		}
		b.ready = append(b.ready, msg)
		b.cond.Broadcast()
	})
}

func (b *Broker) settle() {
	b.mu.Lock()
	b.outstanding--
	b.cond.Broadcast()
	b.mu.Unlock()
}

func invoke(ctx context.Context, handler ports.MessageHandler, msg ports.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (b *Broker) logWarn(ctx context.Context, text string, msg ports.Message, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(ctx, text, "topic", msg.Topic, "kind", msg.Kind, "message_id", msg.ID, "attempt", msg.Attempt, "error", err)
}

func (b *Broker) logError(ctx context.Context, text string, msg ports.Message, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Error(ctx, text, "topic", msg.Topic, "kind", msg.Kind, "message_id", msg.ID, "attempt", msg.Attempt, "error", err)
}

var _ ports.Broker = (*Broker)(nil)
