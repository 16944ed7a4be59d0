package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// TopicTable maps category to module to topic name.
type TopicTable map[ports.EventCategory]map[string]string

// DefaultTopic is used when a (category, module) pair has no configured
// topic.
func DefaultTopic(category ports.EventCategory, module string) string {
	return string(category) + "." + module
}

// ProducerCache hands out one producer per (category, module) pair. Topics
// are resolved from the table current at first use.
type ProducerCache struct {
	broker ports.Broker
	now    func() time.Time

	mu        sync.Mutex
	topics    TopicTable
	producers map[producerKey]*topicProducer
}

type producerKey struct {
	category ports.EventCategory
	module   string
}

// NewProducerCache creates a cache publishing to broker.
func NewProducerCache(broker ports.Broker, topics TopicTable) *ProducerCache {
	return &ProducerCache{
		broker:    broker,
		now:       time.Now,
		topics:    topics,
		producers: make(map[producerKey]*topicProducer),
	}
}

// UpdateTopics replaces the topic table. Cached producers are dropped so the
// next lookup resolves against the new table.
func (c *ProducerCache) UpdateTopics(topics TopicTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = topics
	c.producers = make(map[producerKey]*topicProducer)
}

// Topic resolves the topic for a pair without creating a producer.
func (c *ProducerCache) Topic(category ports.EventCategory, module string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(category, module)
}

// Producer implements ports.ProducerProvider.
func (c *ProducerCache) Producer(category ports.EventCategory, module string) (ports.Producer, error) {
	if category == "" || module == "" {
		return nil, fmt.Errorf("producer: category and module are required")
	}
	key := producerKey{category: category, module: module}

	c.mu.Lock()
	defer c.mu.Unlock()
	if producer, ok := c.producers[key]; ok {
		return producer, nil
	}
	producer := &topicProducer{topic: c.resolve(category, module), broker: c.broker, now: c.now}
	c.producers[key] = producer
	return producer, nil
}

func (c *ProducerCache) resolve(category ports.EventCategory, module string) string {
	if modules, ok := c.topics[category]; ok {
		if topic, ok := modules[module]; ok && topic != "" {
			return topic
		}
	}
	return DefaultTopic(category, module)
}

type topicProducer struct {
	topic  string
	broker ports.Broker
	now    func() time.Time
}

func (p *topicProducer) Topic() string {
	return p.topic
}

func (p *topicProducer) Send(ctx context.Context, kind ports.EventKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	msg := ports.Message{
		ID:          ulid.Make().String(),
		Topic:       p.topic,
		Kind:        kind,
		Payload:     raw,
		PublishedAt: p.now(),
	}
	if err := p.broker.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", kind, p.topic, err)
	}
	return msg.ID, nil
}

var _ ports.ProducerProvider = (*ProducerCache)(nil)
