// Package mtp provides the USP message transfer protocol transports: the
// MQTT broker connection and the WebSocket server. Both hand raw Record
// payloads to a registered handler and push serialized Records outbound.
package mtp

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
)

// MQTTMessageHandler receives an inbound Record payload with the topic it
// arrived on
type MQTTMessageHandler func(topic string, payload []byte)

// MQTTBroker is the controller side of the USP MQTT MTP. Inbound agent
// records arrive on the controller topic tree; outbound records go to the
// per-agent topic derived from the configured prefix.
type MQTTBroker struct {
	cfg            config.MQTTConfig
	client         mqtt.Client
	messageHandler MQTTMessageHandler
	inboundTopic   string
}

// NewMQTTBroker validates the broker URL and prepares the connection
func NewMQTTBroker(cfg config.MQTTConfig) (*MQTTBroker, error) {
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("invalid MQTT broker URL: %w", err)
	}
	return &MQTTBroker{
		cfg:          cfg,
		inboundTopic: "usp/controller/#",
	}, nil
}

// SetMessageHandler registers the inbound record handler. Must be called
// before Start.
func (b *MQTTBroker) SetMessageHandler(handler MQTTMessageHandler) {
	b.messageHandler = handler
}

// AgentTopic returns the outbound topic for an agent endpoint id
func (b *MQTTBroker) AgentTopic(endpointID string) string {
	return strings.TrimSuffix(b.cfg.TopicPrefix, "/") + "/" + endpointID
}

// Start connects to the broker and subscribes to the controller topic tree,
// then blocks until the context is cancelled
func (b *MQTTBroker) Start(ctx context.Context) error {
	log.Printf("🔌 Connecting to MQTT broker: %s", b.cfg.BrokerURL)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("✅ MQTT broker connected: %s", b.cfg.BrokerURL)
		if token := client.Subscribe(b.inboundTopic, 1, b.onMessage); token.Wait() && token.Error() != nil {
			log.Printf("❌ Failed to subscribe to MQTT topic %s: %v", b.inboundTopic, token.Error())
		} else {
			log.Printf("📡 Subscribed to MQTT topic: %s", b.inboundTopic)
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("⚠️ MQTT connection lost: %v", err)
	})

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	<-ctx.Done()
	log.Printf("🛑 MQTT broker shutting down...")
	return nil
}

func (b *MQTTBroker) onMessage(client mqtt.Client, msg mqtt.Message) {
	if b.messageHandler != nil {
		go b.messageHandler(msg.Topic(), msg.Payload())
	}
}

// Publish sends a serialized Record to an MQTT topic
func (b *MQTTBroker) Publish(topic string, payload []byte) error {
	if b.client == nil || !b.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := b.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish MQTT message: %w", token.Error())
	}
	return nil
}

// Connected reports whether the broker connection is up
func (b *MQTTBroker) Connected() bool {
	return b.client != nil && b.client.IsConnected()
}

// Close disconnects from the MQTT broker
func (b *MQTTBroker) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		log.Printf("✅ MQTT broker disconnected")
	}
}
