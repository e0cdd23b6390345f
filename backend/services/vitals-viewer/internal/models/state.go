package models

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionStatus is the push channel lifecycle as seen by operators.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionState describes the push channel of the current session.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	PendingReconnect  bool             `json:"pending_reconnect"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastLatencyMs     *int64           `json:"last_latency_ms"`
	// DroppedFrames counts malformed inbound frames over the session.
	DroppedFrames int `json:"dropped_frames"`
}

// SameLifecycle compares everything except the latency measurement.
func (s ConnectionState) SameLifecycle(other ConnectionState) bool {
	return s.Status == other.Status &&
		s.PendingReconnect == other.PendingReconnect &&
		s.ReconnectAttempts == other.ReconnectAttempts &&
		s.DroppedFrames == other.DroppedFrames
}

// MirrorStats reports the latest-state mirror as of a snapshot.
type MirrorStats struct {
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// SyncMode selects the authoritative update path.
type SyncMode string

const (
	ModePush SyncMode = "push"
	ModePull SyncMode = "pull"
)

// ParseSyncMode accepts push/pull (case-insensitive) plus the UI labels
// websocket/polling.
func ParseSyncMode(raw string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "push", "websocket", "ws":
		return ModePush, nil
	case "pull", "polling", "poll":
		return ModePull, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", raw)
	}
}

// LoadStatus tracks the roster initialization.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "idle"
	LoadLoading LoadStatus = "loading"
	LoadReady   LoadStatus = "ready"
	LoadFailed  LoadStatus = "failed"
)

// LoadState is surfaced to the rendering layer; Error is set when Status is failed.
type LoadState struct {
	Status LoadStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Snapshot is an immutable view of the synchronized state.
type Snapshot struct {
	SessionID  string          `json:"session_id"`
	Version    uint64          `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Mode       SyncMode        `json:"mode"`
	Load       LoadState       `json:"load"`
	Connection ConnectionState `json:"connection"`
	Devices    []DeviceReading `json:"devices"`
	Mirror     *MirrorStats    `json:"mirror,omitempty"`
}

// Clone returns a deep copy. Published snapshots are shared, so readers that
// want to modify one work on a clone.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Connection.LastLatencyMs != nil {
		latency := *s.Connection.LastLatencyMs
		out.Connection.LastLatencyMs = &latency
	}
	if s.Devices != nil {
		out.Devices = make([]DeviceReading, len(s.Devices))
		for i, d := range s.Devices {
			out.Devices[i] = d.Clone()
		}
	}
	if s.Mirror != nil {
		stats := *s.Mirror
		out.Mirror = &stats
	}
	return out
}

// Device looks up a device by id.
func (s Snapshot) Device(id string) (DeviceReading, bool) {
	for _, d := range s.Devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return DeviceReading{}, false
}

// Latency returns the last push latency in milliseconds, if any.
func (s Snapshot) Latency() (int64, bool) {
	if s.Connection.LastLatencyMs == nil {
		return 0, false
	}
	return *s.Connection.LastLatencyMs, true
}
