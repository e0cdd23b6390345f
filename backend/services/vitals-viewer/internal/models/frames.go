package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types used on the push channel.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// ErrMalformedFrame marks inbound frames that cannot be applied.
var ErrMalformedFrame = errors.New("malformed frame")

// SubscriptionFrame is sent by the client to follow or drop a device.
type SubscriptionFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
}

// PushFrame is the inbound telemetry frame as broadcast by the API.
// Timestamp and Data stay raw so that a bad field costs only that field.
type PushFrame struct {
	Type      string          `json:"type,omitempty"`
	DeviceID  string          `json:"device_id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PushEvent is a decoded push frame ready for the controller.
type PushEvent struct {
	DeviceID string
	Vitals   Vitals
	// Timestamp is the origin time reported by the source; zero when the
	// frame carried none or an unparseable one.
	Timestamp  time.Time
	ReceivedAt time.Time
}

// HasTimestamp reports whether the source stamped the reading.
func (e PushEvent) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// DecodePushFrame parses one inbound frame. Frames that are not JSON objects
// or that lack device_id are rejected with ErrMalformedFrame. A timestamp
// that is not an RFC 3339 string is treated as absent, and a vital with the
// wrong JSON type is skipped while the others still apply.
func DecodePushFrame(data []byte, receivedAt time.Time) (PushEvent, error) {
	var frame PushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	deviceID := strings.TrimSpace(frame.DeviceID)
	if deviceID == "" {
		return PushEvent{}, fmt.Errorf("%w: missing device_id", ErrMalformedFrame)
	}

	return PushEvent{
		DeviceID:   deviceID,
		Vitals:     decodeVitals(frame.Data),
		Timestamp:  decodeTimestamp(frame.Timestamp),
		ReceivedAt: receivedAt,
	}, nil
}

func decodeTimestamp(raw json.RawMessage) time.Time {
	var text string
	if len(raw) == 0 || json.Unmarshal(raw, &text) != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func decodeVitals(raw json.RawMessage) Vitals {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return Vitals{}
	}

	var v Vitals
	v.HeartRate = decodeField[int](fields["hr_bpm"])
	v.TempC = decodeField[float64](fields["temp_c"])
	v.SpO2 = decodeField[int](fields["spo2_pct"])
	v.Steps = decodeField[int](fields["steps"])
	v.BatteryPct = decodeField[int](fields["battery_pct"])
	return v
}

// decodeField returns nil for missing, null or mistyped values.
func decodeField[T int | float64](raw json.RawMessage) *T {
	if len(raw) == 0 {
		return nil
	}
	var out *T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
