package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"go.ntppool.org/common/logger"
)

type MQTTConfig struct {
	// Broker is a mqtt://, mqtts:// or ws:// URL
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTT publishes events to <topic>/<kind>.
type MQTT struct {
	cfg MQTTConfig
	cm  *autopaho.ConnectionManager
}

func NewMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	log := logger.FromContext(ctx)

	broker, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt broker: %w", err)
	}
	if len(cfg.Topic) == 0 {
		cfg.Topic = "ntp-optimizer"
	}
	if len(cfg.ClientID) == 0 {
		host, _ := os.Hostname()
		cfg.ClientID = "ntp-optimizer-" + host
	}

	mqttcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		KeepAlive:                     60,
		TlsCfg:                        &tls.Config{MinVersion: tls.VersionTLS12},
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),

		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info("mqtt connection up", "broker", broker.Host)
		},
		OnConnectError: func(err error) {
			log.Error("mqtt connect", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", "err", err)
			},
		},
	}

	errlog := logger.NewStdLog("mqtt error", true, log)
	mqttcfg.Errors = errlog
	mqttcfg.PahoErrors = errlog

	cm, err := autopaho.NewConnection(ctx, mqttcfg)
	if err != nil {
		return nil, err
	}
	return &MQTT{cfg: cfg, cm: cm}, nil
}

func (m *MQTT) Notify(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := m.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic + "/" + string(ev.Kind),
		Payload: payload,
		QoS:     1,
	})
	return err
}

func (m *MQTT) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.cm.Disconnect(ctx)
}
