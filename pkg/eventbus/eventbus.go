package eventbus

import (
	"context"
	"fmt"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Event types carried on the bus. Each type maps onto exactly one topic; the
// mapping lives on the publisher so no package-level producer exists.
const (
	EventLicenseModified = "license.modified"
	EventPlanRenewed     = "plan.renewed"
)

const (
	defaultLicenseModifiedTopic = "licensing.license.modified"
	defaultPlanRenewedTopic     = "licensing.plan.renewed"

	defaultNumPartitions     = 3
	defaultReplicationFactor = 1
)

var Module = fx.Module("eventbus",
	fx.Provide(NewProducer, NewPublisher),
	fx.Invoke(RegisterTopics),
)

func NewProducer(lc fx.Lifecycle, cfg *config.Config) (*kafka.Producer, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Kafka.Addrs,
		"acks":              "all",
	})
	if err != nil {
		zap.L().Error("[Kafka] Failed to create producer", zap.Error(err))
		return nil, err
	}

	zap.L().Info("[Kafka] ✅ Producer created", zap.String("addr", cfg.Kafka.Addrs))

	go drainEvents(producer)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			remaining := producer.Flush(5000)
			if remaining > 0 {
				zap.L().Warn("[Kafka] Closing with undelivered messages", zap.Int("remaining", remaining))
			}
			producer.Close()
			return nil
		},
	})

	return producer, nil
}

// drainEvents consumes delivery reports. Delivery is best effort: failures
// are logged and dropped, they never reach the caller.
func drainEvents(producer *kafka.Producer) {
	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				topic := ""
				if ev.TopicPartition.Topic != nil {
					topic = *ev.TopicPartition.Topic
				}
				zap.L().Error("[Kafka] Delivery failed",
					zap.String("topic", topic),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			zap.L().Error("[Kafka] Producer error", zap.String("code", ev.Code().String()), zap.Error(ev))
		}
	}
}

type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload []byte) error
	EnsureTopics(ctx context.Context) error
}

type kafkaPublisher struct {
	producer *kafka.Producer
	topics   map[string]string

	numPartitions     int
	replicationFactor int
}

type PublisherParams struct {
	fx.In
	Producer *kafka.Producer
	Config   *config.Config
}

func NewPublisher(p PublisherParams) Publisher {
	topics := map[string]string{
		EventLicenseModified: defaultLicenseModifiedTopic,
		EventPlanRenewed:     defaultPlanRenewedTopic,
	}
	if t := p.Config.Kafka.Topics.LicenseModified; t != "" {
		topics[EventLicenseModified] = t
	}
	if t := p.Config.Kafka.Topics.PlanRenewed; t != "" {
		topics[EventPlanRenewed] = t
	}

	numPartitions := p.Config.Kafka.NumPartitions
	if numPartitions <= 0 {
		numPartitions = defaultNumPartitions
	}
	replicationFactor := p.Config.Kafka.ReplicationFactor
	if replicationFactor <= 0 {
		replicationFactor = defaultReplicationFactor
	}

	return &kafkaPublisher{
		producer:          p.Producer,
		topics:            topics,
		numPartitions:     numPartitions,
		replicationFactor: replicationFactor,
	}
}

// Publish hands the payload to the producer keyed for partition affinity.
func (p *kafkaPublisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	topic, ok := p.topics[eventType]
	if !ok {
		return fmt.Errorf("no topic mapped for event type %q", eventType)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "ce_type", Value: []byte(eventType)},
		},
		Timestamp: time.Now().UTC(),
	}

	return p.producer.Produce(msg, nil)
}

// EnsureTopics checks broker metadata and creates any missing topics. A topic
// created concurrently by another instance counts as success.
func (p *kafkaPublisher) EnsureTopics(ctx context.Context) error {
	admin, err := kafka.NewAdminClientFromProducer(p.producer)
	if err != nil {
		return err
	}
	defer admin.Close()

	metadata, err := admin.GetMetadata(nil, true, 5000)
	if err != nil {
		return err
	}

	var missing []kafka.TopicSpecification
	for _, topic := range p.topics {
		if existing, ok := metadata.Topics[topic]; ok && existing.Error.Code() == kafka.ErrNoError {
			continue
		}
		missing = append(missing, kafka.TopicSpecification{
			Topic:             topic,
			NumPartitions:     p.numPartitions,
			ReplicationFactor: p.replicationFactor,
		})
	}

	if len(missing) == 0 {
		return nil
	}

	results, err := admin.CreateTopics(ctx, missing)
	if err != nil {
		return err
	}

	for _, result := range results {
		code := result.Error.Code()
		if code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return result.Error
		}
		zap.L().Info("[Kafka] Topic ready", zap.String("topic", result.Topic))
	}

	return nil
}

func RegisterTopics(lc fx.Lifecycle, publisher Publisher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := publisher.EnsureTopics(ctx); err != nil {
				zap.L().Error("[Kafka] Failed to ensure topics", zap.Error(err))
				return err
			}

			zap.L().Info("[Kafka] ✅ Topics ready")
			return nil
		},
	})
}
