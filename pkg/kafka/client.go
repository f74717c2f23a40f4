// Package kafka publishes ACS lifecycle and protocol events to the event bus.
package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
)

// Client wraps Kafka producer and admin functionality
type Client struct {
	config   *config.KafkaConfig
	producer *kafka.Producer
	admin    *kafka.AdminClient
}

// NewClient creates a new Kafka client
func NewClient(cfg *config.KafkaConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kafka config is required")
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}

	client := &Client{config: cfg}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"acks":              "1",
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	client.producer = producer

	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
	})
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}
	client.admin = admin

	go client.handleDeliveryReports(producer)

	log.Printf("✅ Kafka client initialized (brokers: %v)", cfg.Brokers)

	return client, nil
}

// handleDeliveryReports processes producer delivery reports
func (c *Client) handleDeliveryReports(producer *kafka.Producer) {
	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				log.Printf("❌ Kafka delivery failed: %v", ev.TopicPartition.Error)
			}
		case kafka.Error:
			log.Printf("⚠️ Kafka error: %v", ev)
		}
	}
}

// GetProducer returns the underlying Kafka producer
func (c *Client) GetProducer() *kafka.Producer {
	return c.producer
}

// EnsureTopicsExist creates topics if they don't exist
func (c *Client) EnsureTopicsExist(topics []string) error {
	if c.admin == nil {
		return fmt.Errorf("admin client not initialized")
	}

	metadata, err := c.admin.GetMetadata(nil, false, 5000)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	existing := make(map[string]bool)
	for topic := range metadata.Topics {
		existing[topic] = true
	}

	var toCreate []kafka.TopicSpecification
	for _, topic := range topics {
		if !existing[topic] {
			toCreate = append(toCreate, kafka.TopicSpecification{
				Topic:             topic,
				NumPartitions:     3,
				ReplicationFactor: 1,
			})
		}
	}

	if len(toCreate) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := c.admin.CreateTopics(ctx, toCreate)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			log.Printf("⚠️ Failed to create topic %s: %v", result.Topic, result.Error)
		} else {
			log.Printf("✅ Kafka topic ready: %s", result.Topic)
		}
	}

	return nil
}

// Close closes the Kafka client and releases resources
func (c *Client) Close() {
	if c.producer != nil {
		remaining := c.producer.Flush(5000)
		if remaining > 0 {
			log.Printf("⚠️ %d Kafka messages were not delivered before close", remaining)
		}
		c.producer.Close()
	}

	if c.admin != nil {
		c.admin.Close()
	}
}

// Ping checks if the Kafka broker is reachable
func (c *Client) Ping() error {
	if c.admin == nil {
		return fmt.Errorf("admin client not initialized")
	}

	if _, err := c.admin.GetMetadata(nil, false, 5000); err != nil {
		return fmt.Errorf("kafka broker unreachable: %w", err)
	}

	return nil
}
