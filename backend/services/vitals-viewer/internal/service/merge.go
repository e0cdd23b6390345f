package service

import (
	"time"

	"healthsense/backend/services/vitals-viewer/internal/models"
)

// MergePush applies a push event as a partial update: only fields present in
// the event change. observedAt moves to the event's origin time when the
// frame carried one; a regression is accepted as-is.
func MergePush(current models.DeviceReading, ev models.PushEvent) models.DeviceReading {
	next := current.Clone()
	next.Vitals = current.Vitals.Merge(ev.Vitals)
	if ev.HasTimestamp() {
		next.ObservedAt = ev.Timestamp
	}
	return next
}

// ReplaceVitals applies a pull refresh: vitals and observedAt are taken
// wholesale from the fetched reading, so fields it omits become absent.
func ReplaceVitals(current, fetched models.DeviceReading) models.DeviceReading {
	return models.DeviceReading{
		DeviceID:   current.DeviceID,
		ObservedAt: fetched.ObservedAt,
		Vitals:     fetched.Vitals.Clone(),
	}
}

// ComputeLatency returns received minus origin in milliseconds. Clock skew
// can make it negative; it is not clamped.
func ComputeLatency(origin, received time.Time) int64 {
	return received.Sub(origin).Milliseconds()
}
