package publish

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goodtune/beacond/internal/metrics"
	"github.com/rs/zerolog"
)

// MQTTConfig holds broker settings for the MQTT sink
type MQTTConfig struct {
	URL             string
	Topic           string
	ClientID        string
	Username        string
	Password        string
	ReconnectPeriod time.Duration
}

// mqttClient is the subset of mqtt.Client used by the sink
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes snapshots to a broker topic with QoS 0. Snapshots
// produced while the broker is unreachable are skipped, not buffered.
type MQTTSink struct {
	client mqttClient
	topic  string
	logger zerolog.Logger
}

// NewMQTTSink starts connecting to the broker in the background and returns
// immediately. The client keeps retrying every ReconnectPeriod.
func NewMQTTSink(cfg MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	logger = logger.With().Str("component", "mqtt").Logger()

	clientID, err := mqttClientID(cfg.ClientID)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectPeriod).
		SetMaxReconnectInterval(cfg.ReconnectPeriod).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info().Str("broker", cfg.URL).Msg("MQTT connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected
	client.Connect()

	logger.Info().
		Str("broker", cfg.URL).
		Str("topic", cfg.Topic).
		Str("client_id", clientID).
		Msg("MQTT sink configured")

	return newMQTTSink(client, cfg.Topic, logger), nil
}

func newMQTTSink(client mqttClient, topic string, logger zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		topic:  topic,
		logger: logger,
	}
}

// Publish implements Sink
func (s *MQTTSink) Publish(snapshot Snapshot) {
	if !s.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		metrics.PublishErrors.WithLabelValues("mqtt").Inc()
		s.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			metrics.PublishErrors.WithLabelValues("mqtt").Inc()
			s.logger.Warn().Err(err).Msg("Failed to publish snapshot")
		}
	}()
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// mqttClientID returns base with a random 8-hex suffix.
func mqttClientID(base string) (string, error) {
	if base == "" {
		base = "beacond"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate mqtt client id: %w", err)
	}
	return base + "_" + hex.EncodeToString(suffix), nil
}
