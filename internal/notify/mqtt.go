package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
	Retain      bool   `json:"retain"`
}

// mqttClient is the part of mqtt.Client the publisher needs.
type mqttClient interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTPublisher struct {
	client mqttClient
	cfg    MQTTConfig
	log    zerolog.Logger
}

func NewMQTTPublisher(cfg MQTTConfig, log zerolog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt %s: %w", cfg.Broker, token.Error())
	}
	log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt")
	return newMQTTPublisher(client, cfg, log), nil
}

func newMQTTPublisher(c mqttClient, cfg MQTTConfig, log zerolog.Logger) *MQTTPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ocpp/events"
	}
	return &MQTTPublisher{client: c, cfg: cfg, log: log}
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	topic := ev.Subject(p.cfg.TopicPrefix, "/")
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug().Str("topic", topic).Msg("published event")
	return nil
}

func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
