package main

import (
	"fmt"

	"github.com/banshee-data/gauge.report/internal/config"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/transport/mqtt"
	"github.com/banshee-data/gauge.report/internal/transport/nats"
	"github.com/banshee-data/gauge.report/internal/transport/webhook"
)

// newTransport builds the endpoint named by the config's transport kind.
func newTransport(cfg *config.TuningConfig) (publisher.Transport, error) {
	switch kind := cfg.GetTransportKind(); kind {
	case "mqtt":
		t, err := mqtt.New(mqtt.ConfigFromTuning(cfg))
		if err != nil {
			return nil, err
		}
		monitoring.Opsf("publishing to %s on topic %s", cfg.GetBrokerURL(), t.Topic())
		return t, nil
	case "nats":
		t, err := nats.New(nats.ConfigFromTuning(cfg))
		if err != nil {
			return nil, err
		}
		monitoring.Opsf("publishing to %s on subject %s", cfg.GetBrokerURL(), t.Subject())
		return t, nil
	case "webhook":
		t, err := webhook.New(webhook.ConfigFromTuning(cfg))
		if err != nil {
			return nil, err
		}
		monitoring.Opsf("posting to %s", cfg.GetBrokerURL())
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
