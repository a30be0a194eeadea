package api

import (
	"github.com/gpuscope/gpuscope/internal/collector"
	"github.com/gpuscope/gpuscope/internal/device"
)

// DeviceInfo is the static device description exposed over the API.
type DeviceInfo struct {
	ID     string            `json:"id"`
	Vendor string            `json:"vendor"`
	BusID  string            `json:"bus_id"`
	Static device.StaticInfo `json:"static"`
}

// NewDeviceInfo projects a registry device into its API description.
func NewDeviceInfo(dev *device.Device) DeviceInfo {
	return DeviceInfo{
		ID:     dev.ID,
		Vendor: dev.Vendor,
		BusID:  dev.BusID,
		Static: dev.Static,
	}
}

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Devices    []DeviceInfo    `json:"devices"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []DeviceInfo, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Devices:    devices,
		Features:   features,
	}
}

// StatsMessage wraps a collector snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	collector.Snapshot
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(snapshot collector.Snapshot) StatsMessage {
	return StatsMessage{
		Type:     "stats",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests subscription to a device's telemetry stream.
type SubscribeMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
