package mqx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"multitenant-template/shared/config"
	"multitenant-template/shared/routing"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	return newProducer(cfg.KafkaBrokers, cfg.KafkaClientID, cfg), nil
}

func newProducer(brokers []string, clientID string, cfg config.Config) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &Producer{writer: w}
}

// Publish writes one message. Keys hash to partitions, so messages sharing a
// key keep their order.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Router hands out one producer per routed cluster, created on first use.
type Router struct {
	resolver routing.Resolver
	cfg      config.Config

	mu        sync.Mutex
	producers map[string]*Producer
}

func NewRouter(resolver routing.Resolver, cfg config.Config) *Router {
	return &Router{resolver: resolver, cfg: cfg, producers: map[string]*Producer{}}
}

func (r *Router) ProducerFor(tenantID string) (*Producer, error) {
	name, ok := r.resolver.ResolveCluster(tenantID)
	if !ok {
		return nil, fmt.Errorf("no kafka cluster routed for tenant %q", tenantID)
	}
	cluster, ok := r.resolver.Cluster(name)
	if !ok {
		return nil, fmt.Errorf("kafka cluster %q not configured", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.producers[name]; ok {
		return p, nil
	}
	clientID := cluster.ClientID
	if clientID == "" {
		clientID = r.cfg.KafkaClientID
	}
	p := newProducer(cluster.Brokers, clientID, r.cfg)
	r.producers[name] = p
	return p, nil
}

func (r *Router) ResolveTopic(bodyType string, destination string) string {
	return r.resolver.ResolveTopic(bodyType, destination)
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, p := range r.producers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer %s: %w", name, err))
		}
	}
	r.producers = map[string]*Producer{}
	return errors.Join(errs...)
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return reader, nil
}

// Headers flattens Kafka headers; later duplicates win.
func Headers(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
