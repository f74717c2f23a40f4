package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
)

// Producer wraps the Kafka producer with ACS event publishing helpers.
// Publishing is best-effort from the protocol engine's point of view: callers
// log errors and continue, a broker outage must never fail a device exchange.
type Producer struct {
	client *Client
	topics *config.KafkaTopics
}

// NewProducer creates a new event producer
func NewProducer(client *Client, topics *config.KafkaTopics) (*Producer, error) {
	if client == nil {
		return nil, fmt.Errorf("kafka client is required")
	}

	return &Producer{client: client, topics: topics}, nil
}

// PublishEvent publishes an event to a topic as JSON
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value: data,
	}
	if key != "" {
		msg.Key = []byte(key)
	}

	if err := p.client.GetProducer().Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// PublishDeviceEvent publishes a device lifecycle event
func (p *Producer) PublishDeviceEvent(event *DeviceEvent) error {
	return p.PublishEvent(p.topics.DeviceEvents, event.SerialNumber, event)
}

// PublishCWMPMessage publishes a CWMP message summary
func (p *Producer) PublishCWMPMessage(event *CWMPMessageEvent) error {
	return p.PublishEvent(p.topics.CWMPMessages, event.SerialNumber, event)
}

// PublishUSPMessage publishes a USP message summary
func (p *Producer) PublishUSPMessage(event *USPMessageEvent) error {
	return p.PublishEvent(p.topics.USPMessages, event.EndpointID, event)
}

// PublishTaskEvent publishes a task or pending-command transition
func (p *Producer) PublishTaskEvent(event *TaskEvent) error {
	topic := p.topics.TaskEvents
	if event.Kind == "pending_command" {
		topic = p.topics.CommandEvents
	}
	return p.PublishEvent(topic, fmt.Sprintf("%d", event.DeviceID), event)
}

// AllTopics lists every egress topic for EnsureTopicsExist
func AllTopics(t *config.KafkaTopics) []string {
	return []string{
		t.DeviceEvents,
		t.CWMPMessages,
		t.USPMessages,
		t.TaskEvents,
		t.CommandEvents,
	}
}
