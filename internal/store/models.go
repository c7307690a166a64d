package store

import "time"

// Parameter is the last-known value of one addressable device parameter.
type Parameter struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"` // wire name, e.g. "ZoneGain_0"
	Category  string    `json:"category"`
	Index     int       `json:"index"`
	Format    string    `json:"format"` // "val", "pct" or "str"
	Number    float64   `json:"number,omitempty"`
	Text      string    `json:"text,omitempty"`
	ReadOnly  bool      `json:"read_only,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MeterReading is one persisted telemetry sample.
type MeterReading struct {
	DeviceID  string    `json:"device_id"`
	Category  string    `json:"category"`
	Index     int       `json:"index"`
	Level     float64   `json:"level"`
	Peak      float64   `json:"peak"`
	Clip      bool      `json:"clip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionState summarizes one device's session health. It is written on
// every lifecycle transition and read back at startup for reporting only —
// a fresh TCP handshake is always required.
type ConnectionState struct {
	DeviceID          string    `json:"device_id"`
	Connected         bool      `json:"connected"`
	LastConnected     time.Time `json:"last_connected,omitempty"`
	LastDisconnected  time.Time `json:"last_disconnected,omitempty"`
	LastKeepAlive     time.Time `json:"last_keepalive,omitempty"`
	ErrorCount        int       `json:"error_count"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}
