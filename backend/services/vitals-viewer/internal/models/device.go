package models

import "time"

// Vitals holds the last known vital signs of a wearable. A nil field has not
// been observed yet (or was absent from the last full snapshot).
type Vitals struct {
	HeartRate  *int     `json:"hr_bpm,omitempty"`
	TempC      *float64 `json:"temp_c,omitempty"`
	SpO2       *int     `json:"spo2_pct,omitempty"`
	Steps      *int     `json:"steps,omitempty"`
	BatteryPct *int     `json:"battery_pct,omitempty"`
}

// Merge overlays the fields present in patch and keeps the rest of v.
func (v Vitals) Merge(patch Vitals) Vitals {
	out := v.Clone()
	if patch.HeartRate != nil {
		out.HeartRate = intPtr(*patch.HeartRate)
	}
	if patch.TempC != nil {
		out.TempC = floatPtr(*patch.TempC)
	}
	if patch.SpO2 != nil {
		out.SpO2 = intPtr(*patch.SpO2)
	}
	if patch.Steps != nil {
		out.Steps = intPtr(*patch.Steps)
	}
	if patch.BatteryPct != nil {
		out.BatteryPct = intPtr(*patch.BatteryPct)
	}
	return out
}

// Clone returns a deep copy so callers never share pointers with the table.
func (v Vitals) Clone() Vitals {
	var out Vitals
	if v.HeartRate != nil {
		out.HeartRate = intPtr(*v.HeartRate)
	}
	if v.TempC != nil {
		out.TempC = floatPtr(*v.TempC)
	}
	if v.SpO2 != nil {
		out.SpO2 = intPtr(*v.SpO2)
	}
	if v.Steps != nil {
		out.Steps = intPtr(*v.Steps)
	}
	if v.BatteryPct != nil {
		out.BatteryPct = intPtr(*v.BatteryPct)
	}
	return out
}

// DeviceReading is the current state of one device. The JSON shape matches
// the roster API: vitals are flattened next to device_id and timestamp.
type DeviceReading struct {
	DeviceID   string    `json:"device_id"`
	ObservedAt time.Time `json:"timestamp"`
	Vitals
}

// Clone returns a copy safe to hand out of the device table.
func (r DeviceReading) Clone() DeviceReading {
	return DeviceReading{
		DeviceID:   r.DeviceID,
		ObservedAt: r.ObservedAt,
		Vitals:     r.Vitals.Clone(),
	}
}

// RosterResponse is the body of GET /devices.
type RosterResponse struct {
	TenantID string          `json:"tenant_id"`
	Count    int             `json:"count"`
	Devices  []DeviceReading `json:"devices"`
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

// Int returns a pointer to v, handy for building vitals literals.
func Int(v int) *int { return intPtr(v) }

// Float returns a pointer to v.
func Float(v float64) *float64 { return floatPtr(v) }
