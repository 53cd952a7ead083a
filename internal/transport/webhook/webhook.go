// Package webhook delivers telemetry by HTTP POST.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/httputil"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/transport"
)

// ErrNotConnected is returned by Send before Connect or after Close.
var ErrNotConnected = errors.New("webhook: not connected")

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: status %d", e.Code)
	}
	return fmt.Sprintf("webhook: status %d: %s", e.Code, e.Body)
}

// Config describes the endpoint.
type Config struct {
	URL        string
	Username   string
	Password   string
	CACertFile string
	CertFile   string
	KeyFile    string
	Timeout    time.Duration
	// Client overrides the HTTP client; tests pass a mock.
	Client httputil.HTTPClient
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		URL:        cfg.GetBrokerURL(),
		Username:   cfg.GetUsername(),
		Password:   cfg.GetPassword(),
		CACertFile: cfg.GetCACertFile(),
		CertFile:   cfg.GetCertFile(),
		KeyFile:    cfg.GetKeyFile(),
		Timeout:    cfg.GetSendTimeout(),
	}
}

// Transport implements publisher.Transport. HTTP has no session, so
// Connect only marks the transport usable; delivery errors surface on Send.
type Transport struct {
	cfg       Config
	client    httputil.HTTPClient
	connected atomic.Bool
}

var _ publisher.Transport = (*Transport)(nil)

// New validates cfg and builds the HTTP client.
func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook: unsupported scheme %q", u.Scheme)
	}

	client := cfg.Client
	if client == nil {
		hc := &http.Client{Timeout: cfg.Timeout}
		if transport.WantsTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile) {
			tlsCfg, err := transport.LoadTLS(cfg.CACertFile, cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("webhook: %w", err)
			}
			hc.Transport = &http.Transport{TLSClientConfig: tlsCfg}
		}
		client = httputil.NewStandardClient(hc)
	}
	return &Transport{cfg: cfg, client: client}, nil
}

// Name identifies the transport in status reports.
func (t *Transport) Name() string { return "webhook" }

// Connect marks the transport usable.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.connected.Store(true)
	return nil
}

// Send POSTs msg.Body. Any 2xx reply is success.
func (t *Transport) Send(ctx context.Context, msg publisher.Message) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", msg.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	monitoring.Tracef("webhook delivered %s (%d bytes)", msg.ID, len(msg.Body))
	return nil
}

// Close marks the transport unusable.
func (t *Transport) Close() error {
	t.connected.Store(false)
	return nil
}
