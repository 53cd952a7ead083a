package config

import (
	"time"

	"github.com/banshee-data/gauge.report/internal/detection"
)

// GetDeviceID returns the device identifier stamped on every payload.
func (c *TuningConfig) GetDeviceID() string { return getString(c.DeviceID, "gauge-01") }

// Calibration

func (c *TuningConfig) GetPixelsPerUnit() float64  { return getFloat(c.PixelsPerUnit, 10) }
func (c *TuningConfig) GetCalibrationUnit() string { return getString(c.CalibrationUnit, "cm") }
func (c *TuningConfig) GetAutoCalibration() bool   { return getBool(c.AutoCalibration, false) }
func (c *TuningConfig) GetReferenceClass() string  { return getString(c.ReferenceClass, "portico") }
func (c *TuningConfig) GetReferenceKeypointA() string {
	return getString(c.ReferenceKeypointA, "C")
}
func (c *TuningConfig) GetReferenceKeypointB() string {
	return getString(c.ReferenceKeypointB, "B")
}
func (c *TuningConfig) GetReferenceLength() float64 { return getFloat(c.ReferenceLength, 10) }
func (c *TuningConfig) GetReferenceMinConfidence() float64 {
	return getFloat(c.ReferenceMinConfidence, 0.5)
}
func (c *TuningConfig) GetCalibrationHistory() int { return getInt(c.CalibrationHistory, 10) }
func (c *TuningConfig) GetContinuousCalibration() bool {
	return getBool(c.ContinuousCalibration, false)
}

// Tracker

func (c *TuningConfig) GetMeasurementNoise() float64 { return getFloat(c.MeasurementNoise, 4) }
func (c *TuningConfig) GetProcessNoisePos() float64  { return getFloat(c.ProcessNoisePos, 10) }
func (c *TuningConfig) GetProcessNoiseVel() float64  { return getFloat(c.ProcessNoiseVel, 2000) }
func (c *TuningConfig) GetInitialVelocityVariance() float64 {
	return getFloat(c.InitialVelocityVariance, 1e4)
}
func (c *TuningConfig) GetUncertaintyFloor() float64  { return getFloat(c.UncertaintyFloor, 1e-4) }
func (c *TuningConfig) GetMaxCovarianceDiag() float64 { return getFloat(c.MaxCovarianceDiag, 1e6) }
func (c *TuningConfig) GetOcclusionCovInflation() float64 {
	return getFloat(c.OcclusionCovInflation, 4)
}
func (c *TuningConfig) GetMaxMisses() int { return getInt(c.MaxMisses, 10) }
func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	return getDuration(c.MaxPredictDt, 500*time.Millisecond)
}
func (c *TuningConfig) GetTrackerWorkers() int { return getInt(c.TrackerWorkers, 1) }

// Movement classifier

func (c *TuningConfig) GetMinDisplacement() float64 { return getFloat(c.MinDisplacement, 2) }
func (c *TuningConfig) GetMinVelocity() float64     { return getFloat(c.MinVelocity, 0.2) }
func (c *TuningConfig) GetMinConfidence() float64   { return getFloat(c.MinConfidence, 0.5) }
func (c *TuningConfig) GetStartFrames() int         { return getInt(c.StartFrames, 3) }
func (c *TuningConfig) GetStopFrames() int          { return getInt(c.StopFrames, 5) }
func (c *TuningConfig) GetHistoryWindow() time.Duration {
	return getDuration(c.HistoryWindow, 2*time.Second)
}

// Validator

func (c *TuningConfig) GetMinValidDistance() float64 { return getFloat(c.MinValidDistance, 0) }
func (c *TuningConfig) GetMaxValidDistance() float64 { return getFloat(c.MaxValidDistance, 1000) }
func (c *TuningConfig) GetStaleness() time.Duration  { return getDuration(c.Staleness, 5*time.Second) }
func (c *TuningConfig) GetMaxFutureSkew() time.Duration {
	return getDuration(c.MaxFutureSkew, time.Second)
}
func (c *TuningConfig) GetRejectAllZero() bool { return getBool(c.RejectAllZero, true) }

// Publisher

func (c *TuningConfig) GetBackoffFloor() time.Duration {
	return getDuration(c.BackoffFloor, time.Second)
}
func (c *TuningConfig) GetBackoffCeiling() time.Duration {
	return getDuration(c.BackoffCeiling, 30*time.Second)
}
func (c *TuningConfig) GetQueueCapacity() int { return getInt(c.QueueCapacity, 64) }
func (c *TuningConfig) GetBufferWhileDisconnected() bool {
	return getBool(c.BufferWhileDisconnected, true)
}
func (c *TuningConfig) GetConnectTimeout() time.Duration {
	return getDuration(c.ConnectTimeout, 5*time.Second)
}
func (c *TuningConfig) GetSendTimeout() time.Duration {
	return getDuration(c.SendTimeout, 3*time.Second)
}
func (c *TuningConfig) GetMaxSendWait() time.Duration {
	return getDuration(c.MaxSendWait, 10*time.Second)
}
func (c *TuningConfig) GetFlushTimeout() time.Duration {
	return getDuration(c.FlushTimeout, 2*time.Second)
}
func (c *TuningConfig) GetMinPublishInterval() time.Duration {
	return getDuration(c.MinPublishInterval, 100*time.Millisecond)
}
func (c *TuningConfig) GetPublishOnMovementOnly() bool {
	return getBool(c.PublishOnMovementOnly, false)
}

// Transport

func (c *TuningConfig) GetTransportKind() string { return getString(c.TransportKind, "mqtt") }

// GetBrokerURL defaults per transport kind.
func (c *TuningConfig) GetBrokerURL() string {
	switch c.GetTransportKind() {
	case "nats":
		return getString(c.BrokerURL, "nats://127.0.0.1:4222")
	case "webhook":
		return getString(c.BrokerURL, "http://127.0.0.1:8080/telemetry")
	}
	return getString(c.BrokerURL, "tcp://127.0.0.1:1883")
}
func (c *TuningConfig) GetClientID() string   { return getString(c.ClientID, "") }
func (c *TuningConfig) GetUsername() string   { return getString(c.Username, "") }
func (c *TuningConfig) GetPassword() string   { return getString(c.Password, "") }
func (c *TuningConfig) GetCACertFile() string { return getString(c.CACertFile, "") }
func (c *TuningConfig) GetCertFile() string   { return getString(c.CertFile, "") }
func (c *TuningConfig) GetKeyFile() string    { return getString(c.KeyFile, "") }
func (c *TuningConfig) GetTopicType() string  { return getString(c.TopicType, "data") }
func (c *TuningConfig) GetTopicGroup() int    { return getInt(c.TopicGroup, 1) }
func (c *TuningConfig) GetTopicNumber() int   { return getInt(c.TopicNumber, 1) }
func (c *TuningConfig) GetQoS() int           { return getInt(c.QoS, 1) }

// GetJournalPath returns the loss journal path, empty when disabled.
func (c *TuningConfig) GetJournalPath() string { return getString(c.JournalPath, "") }

// GetEntities returns the configured entity rules or DefaultEntities.
func (c *TuningConfig) GetEntities() []detection.EntityRule {
	if len(c.Entities) > 0 {
		return c.Entities
	}
	return DefaultEntities
}

// GetStreams returns the configured distance streams or DefaultStreams, with
// MaxCM and Axis defaults filled in.
func (c *TuningConfig) GetStreams() []StreamConfig {
	src := c.Streams
	if len(src) == 0 {
		src = DefaultStreams
	}
	out := make([]StreamConfig, len(src))
	for i, s := range src {
		if s.MaxCM == 0 {
			s.MaxCM = DefaultMaxDistanceCM
		}
		if s.Axis == "" {
			s.Axis = "euclidean"
		}
		out[i] = s
	}
	return out
}

// StreamNames lists the configured stream names in order.
func (c *TuningConfig) StreamNames() []string {
	streams := c.GetStreams()
	names := make([]string, len(streams))
	for i, s := range streams {
		names[i] = s.Name
	}
	return names
}
