package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"solar-cloud/internal/observability/metrics"
	telemetry "solar-cloud/internal/telemetry/domain"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	reconnectPeriod = time.Second
)

// BrokerConfig holds broker connection settings.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Broker owns the MQTT session: it subscribes the coordinator to the device
// topics and re-subscribes automatically after every reconnect. It is also
// the outbound path for control and config pushes.
type Broker struct {
	client      mqtt.Client
	coordinator *Coordinator
	logger      *log.Logger
	connected   bool
}

// NewBroker constructs a broker client wired to the coordinator.
func NewBroker(cfg BrokerConfig, coordinator *Coordinator, logger *log.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: empty url")
	}
	if coordinator == nil {
		return nil, errors.New("broker: nil coordinator")
	}
	if logger == nil {
		logger = log.Default()
	}

	broker := &Broker{coordinator: coordinator, logger: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetryInterval(reconnectPeriod).
		SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions live in OnConnect so a clean-session reconnect restores
	// them without operator intervention.
	opts.SetOnConnectHandler(broker.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("broker: connection lost: %v", err)
	})

	broker.client = mqtt.NewClient(opts)
	return broker, nil
}

// Connect establishes the session. Subscriptions happen in the connect
// callback.
func (b *Broker) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("broker: connect timeout")
	}
	return token.Error()
}

func (b *Broker) onConnect(client mqtt.Client) {
	if b.connected {
		metrics.IncBrokerReconnect()
		b.logger.Printf("broker: reconnected, restoring subscriptions")
	}
	b.connected = true

	namespace := b.coordinator.Namespace()
	topics := []string{
		namespace + "/+/" + kindData,
		namespace + "/+/" + kindGps,
	}
	for _, topic := range topics {
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			b.coordinator.HandleMessage(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Printf("broker: subscribe %s failed: %v", topic, err)
			continue
		}
		b.logger.Printf("broker: subscribed to %s", topic)
	}
}

// PublishControl sends an opaque control payload to a device.
func (b *Broker) PublishControl(deviceID string, payload []byte) error {
	if deviceID == "" {
		return errors.New("broker: empty device id")
	}
	topic := fmt.Sprintf("%s/control/%s", b.coordinator.Namespace(), deviceID)
	return b.publish(topic, payload)
}

// PublishConfig pushes updated correction factors to a device.
func (b *Broker) PublishConfig(deviceID string, deviceFactors telemetry.CorrectionFactors) error {
	if deviceID == "" {
		return errors.New("broker: empty device id")
	}
	payload, err := json.Marshal(map[string]float64{
		"factor_a": deviceFactors.LoadA,
		"factor_p": deviceFactors.LoadP,
	})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/config/%s", b.coordinator.Namespace(), deviceID)
	return b.publish(topic, payload)
}

func (b *Broker) publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("broker: publish %s timeout", topic)
	}
	return token.Error()
}

// Disconnect closes the session after flushing in-flight messages.
func (b *Broker) Disconnect() {
	b.client.Disconnect(250)
}
