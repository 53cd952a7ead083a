// Package mqtt publishes telemetry straight to an MQTT broker.
//
// The transport holds one paho client. Automatic reconnect and connect
// retry are disabled: the publisher owns the retry schedule, so a failed
// Connect or Send is reported once and the caller decides when to try again.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/transport"
)

// ErrNotConnected is returned by Send before a successful Connect or after
// the broker dropped the connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config describes the broker and the topic payloads are published on.
type Config struct {
	BrokerURL  string
	ClientID   string
	Username   string
	Password   string
	CACertFile string
	CertFile   string
	KeyFile    string
	Topic      string
	QoS        byte
	KeepAlive  time.Duration
	// CleanSession false keeps the broker-side session across reconnects so
	// QoS 1 deliveries in flight at disconnect are not forgotten.
	CleanSession bool
}

// Topic renders the "<type>/Group_<g>/Topic_<t>" layout.
func Topic(kind string, group, number int) string {
	return fmt.Sprintf("%s/Group_%d/Topic_%d", kind, group, number)
}

// ConfigFromTuning builds a Config from a loaded TuningConfig. An empty
// client id gets a random suffix so two devices never share a session.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	id := cfg.GetClientID()
	if id == "" {
		id = "gauge-" + uuid.NewString()
	}
	return Config{
		BrokerURL:  cfg.GetBrokerURL(),
		ClientID:   id,
		Username:   cfg.GetUsername(),
		Password:   cfg.GetPassword(),
		CACertFile: cfg.GetCACertFile(),
		CertFile:   cfg.GetCertFile(),
		KeyFile:    cfg.GetKeyFile(),
		Topic:      Topic(cfg.GetTopicType(), cfg.GetTopicGroup(), cfg.GetTopicNumber()),
		QoS:        byte(cfg.GetQoS()),
		KeepAlive:  30 * time.Second,
	}
}

// Transport implements publisher.Transport over paho.
type Transport struct {
	cfg  Config
	opts *paho.ClientOptions

	mu     sync.Mutex
	client paho.Client
}

var _ publisher.Transport = (*Transport)(nil)

// New validates cfg and prepares client options. No network I/O happens
// until Connect.
func New(cfg Config) (*Transport, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gauge-" + uuid.NewString()
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	if cfg.KeepAlive >= time.Second {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if transport.WantsTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile) {
		tlsCfg, err := transport.LoadTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		monitoring.Opsf("mqtt connection to %s lost: %v", cfg.BrokerURL, err)
	})

	return &Transport{cfg: cfg, opts: opts}, nil
}

// Name identifies the transport in status reports.
func (t *Transport) Name() string { return "mqtt" }

// Topic returns the topic payloads are published on.
func (t *Transport) Topic() string { return t.cfg.Topic }

// Connect opens a fresh client session. Any previous client is discarded.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.client != nil {
		t.client.Disconnect(0)
		t.client = nil
	}
	t.mu.Unlock()

	client := paho.NewClient(t.opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt: connect %s: %w", t.cfg.BrokerURL, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	monitoring.Diagf("mqtt connected to %s as %s", t.cfg.BrokerURL, t.cfg.ClientID)
	return nil
}

// Send publishes msg.Body and waits for the broker's acknowledgement at the
// configured QoS.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(ctx, client.Publish(t.cfg.Topic, t.cfg.QoS, false, msg.Body)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", msg.ID, err)
	}
	monitoring.Tracef("mqtt published %s to %s (%d bytes)", msg.ID, t.cfg.Topic, len(msg.Body))
	return nil
}

// Close disconnects, giving in-flight work 250ms to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
