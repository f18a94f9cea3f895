package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
)

// KafkaQueueConfig wraps configuration for a publish only Kafka topic queue.
type KafkaQueueConfig struct {
	QueueName         string   // Topic messages are published to
	BrokerEndpoints   []string // List of broker endpoints used to publish to the topic
	NumPartitions     int32    // Partitions to create the topic with when it does not exist
	ReplicationFactor int16    // Replication factor to create the topic with when it does not exist
}

// KafkaQueue publishes messages to a Kafka topic. Kafka has no per message
// lease or delete so it can only serve as a relay destination.
type KafkaQueue struct {
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaQueue ensures the topic exists and opens a synchronous producer for it,
// returning the queue and error (if any).
func NewKafkaQueue(ctx context.Context, config KafkaQueueConfig) (*KafkaQueue, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_0_0_0
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	if deadline, ok := ctx.Deadline(); ok {
		saramaConfig.Net.DialTimeout = time.Until(deadline)
	}
	if err := ensureKafkaTopic(config, saramaConfig); err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(config.BrokerEndpoints, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer for %s: %w", config.QueueName, err)
	}
	return newKafkaQueueWithProducer(config.QueueName, producer), nil
}

func newKafkaQueueWithProducer(topic string, producer sarama.SyncProducer) *KafkaQueue {
	return &KafkaQueue{topic: topic, producer: producer}
}

func ensureKafkaTopic(config KafkaQueueConfig, saramaConfig *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(config.BrokerEndpoints, saramaConfig)
	if err != nil {
		return fmt.Errorf("connecting kafka cluster admin: %w", err)
	}
	defer admin.Close()
	detail := &sarama.TopicDetail{
		NumPartitions:     config.NumPartitions,
		ReplicationFactor: config.ReplicationFactor,
	}
	if detail.NumPartitions < 1 {
		detail.NumPartitions = 1
	}
	if detail.ReplicationFactor < 1 {
		detail.ReplicationFactor = 1
	}
	err = admin.CreateTopic(config.QueueName, detail, false)
	var topicErr *sarama.TopicError
	if err != nil && !(errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("creating kafka topic %s: %w", config.QueueName, err)
	}
	return nil
}

// Name returns the topic name.
func (q *KafkaQueue) Name() string {
	return q.topic
}

// EnqueueMessage publishes message to the topic keyed by a new identifier.
func (q *KafkaQueue) EnqueueMessage(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := q.producer.SendMessage(q.producerMessage(message))
	return err
}

// BatchEnqueueMessages publishes every message, returning the messages that
// failed and error (if any).
func (q *KafkaQueue) BatchEnqueueMessages(ctx context.Context, messages []Message) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return messages, err
	}
	producerMessages := make([]*sarama.ProducerMessage, 0, len(messages))
	for _, message := range messages {
		producerMessages = append(producerMessages, q.producerMessage(message))
	}
	err := q.producer.SendMessages(producerMessages)
	if err == nil {
		return []Message{}, nil
	}
	var producerErrors sarama.ProducerErrors
	if !errors.As(err, &producerErrors) {
		return messages, err
	}
	failed := make([]Message, 0, len(producerErrors))
	for _, producerError := range producerErrors {
		for i, pm := range producerMessages {
			if pm == producerError.Msg {
				failed = append(failed, messages[i])
				break
			}
		}
	}
	return failed, err
}

func (q *KafkaQueue) producerMessage(message Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(uuid.New().String()),
		Value: sarama.ByteEncoder(message.Body),
	}
	for key, value := range message.Tags {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}
	return pm
}

// BatchDequeueMessages is not supported by Kafka topics.
func (q *KafkaQueue) BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]Message, error) {
	return nil, ErrUnsupported
}

// DeleteMessage is not supported by Kafka topics.
func (q *KafkaQueue) DeleteMessage(ctx context.Context, receiptID string) error {
	return ErrUnsupported
}

// Close closes the producer.
func (q *KafkaQueue) Close() error {
	return q.producer.Close()
}
