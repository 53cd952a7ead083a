// Package nats publishes telemetry through a NATS server.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	natsio "github.com/nats-io/nats.go"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/transport"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("nats: not connected")

// Config describes the server and subject.
type Config struct {
	URL        string
	Name       string
	Username   string
	Password   string
	CACertFile string
	CertFile   string
	KeyFile    string
	Subject    string
	Timeout    time.Duration
}

// Subject renders the "<type>.Group_<g>.Topic_<t>" subject, the NATS
// spelling of the MQTT topic layout.
func Subject(kind string, group, number int) string {
	return fmt.Sprintf("%s.Group_%d.Topic_%d", kind, group, number)
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	name := cfg.GetClientID()
	if name == "" {
		name = "gauge-" + uuid.NewString()
	}
	return Config{
		URL:        cfg.GetBrokerURL(),
		Name:       name,
		Username:   cfg.GetUsername(),
		Password:   cfg.GetPassword(),
		CACertFile: cfg.GetCACertFile(),
		CertFile:   cfg.GetCertFile(),
		KeyFile:    cfg.GetKeyFile(),
		Subject:    Subject(cfg.GetTopicType(), cfg.GetTopicGroup(), cfg.GetTopicNumber()),
		Timeout:    cfg.GetConnectTimeout(),
	}
}

// Transport implements publisher.Transport. The client library's own
// reconnect loop is disabled.
type Transport struct {
	cfg  Config
	opts natsio.Options

	mu   sync.Mutex
	conn *natsio.Conn
}

var _ publisher.Transport = (*Transport)(nil)

// New validates cfg. No network I/O happens until Connect.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats: url is required")
	}
	if cfg.Subject == "" {
		return nil, errors.New("nats: subject is required")
	}

	opts := natsio.GetDefaultOptions()
	opts.Servers = []string{cfg.URL}
	opts.Name = cfg.Name
	opts.User = cfg.Username
	opts.Password = cfg.Password
	opts.AllowReconnect = false
	opts.RetryOnFailedConnect = false
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if transport.WantsTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile) {
		tlsCfg, err := transport.LoadTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		opts.Secure = true
		opts.TLSConfig = tlsCfg
	}
	opts.DisconnectedErrCB = func(_ *natsio.Conn, err error) {
		if err != nil {
			monitoring.Opsf("nats connection to %s lost: %v", cfg.URL, err)
		}
	}
	return &Transport{cfg: cfg, opts: opts}, nil
}

// Name identifies the transport in status reports.
func (t *Transport) Name() string { return "nats" }

// Subject returns the subject payloads are published on.
func (t *Transport) Subject() string { return t.cfg.Subject }

// Connect dials the server, replacing any previous connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	type result struct {
		conn *natsio.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.opts.Connect()
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("nats: connect %s: %w", t.cfg.URL, r.err)
		}
		t.mu.Lock()
		t.conn = r.conn
		t.mu.Unlock()
		monitoring.Diagf("nats connected to %s as %s", r.conn.ConnectedUrl(), t.cfg.Name)
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// Send publishes msg.Body and flushes, so a nil return means the server
// has the message.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	out := natsio.NewMsg(t.cfg.Subject)
	out.Header.Set("Nats-Msg-Id", msg.ID)
	out.Header.Set("Content-Type", "application/json")
	out.Data = msg.Body
	if err := conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nats: publish %s: %w", msg.ID, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush %s: %w", msg.ID, err)
	}
	monitoring.Tracef("nats published %s to %s (%d bytes)", msg.ID, t.cfg.Subject, len(msg.Body))
	return nil
}

// Close closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}
