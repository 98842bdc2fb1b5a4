package status

import (
	"encoding/json"
	"time"

	"github.com/kioskworks/vendcore/internal/protocol"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	BootID        string                `json:"boot_id"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartTime     string                `json:"start_time"`
	Timestamp     string                `json:"timestamp"`
	MQTT          MQTTStatus            `json:"mqtt"`
	Counts        CountsJSON            `json:"message_counts"`
	Network       *NetworkJSON          `json:"network,omitempty"`
	Config        ConfigJSON            `json:"config"`
	Machine       protocol.SystemStatus `json:"machine"`
	Recent        []protocol.Message    `json:"recent"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// CountsJSON is the JSON representation of message counts.
type CountsJSON struct {
	Events int `json:"events"`
	Errors int `json:"errors"`
	Acks   int `json:"acks"`
	Status int `json:"status"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs           int64  `json:"poll_ms"`
	StatusIntervalMs int64  `json:"status_interval_ms"`
	Link             string `json:"link"`
	HTTPAddr         string `json:"http_addr"`
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	inner := StatusInner{
		BootID:        snap.Machine.BootID,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Enabled:   snap.Config.MQTTEnabled,
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
		},
		Counts: CountsJSON{
			Events: snap.Counts.Events,
			Errors: snap.Counts.Errors,
			Acks:   snap.Counts.Acks,
			Status: snap.Counts.Status,
		},
		Config: ConfigJSON{
			PollMs:           snap.Config.PollMs,
			StatusIntervalMs: snap.Config.StatusIntervalMs,
			Link:             snap.Config.Link,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
		Machine: snap.Machine,
		Recent:  snap.Recent,
	}
	if inner.Recent == nil {
		inner.Recent = []protocol.Message{}
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}
