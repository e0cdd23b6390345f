package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	redislib "healthsense/backend/libs/redis"
	"healthsense/backend/services/vitals-viewer/internal/models"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redislib.NewRedisClient(context.Background(), redislib.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewStore(client, ttl), mr
}

func mirrored(t *testing.T, mr *miniredis.Miniredis, deviceID string) models.DeviceReading {
	t.Helper()
	raw, err := mr.Get(Key("acme-clinic", deviceID))
	if err != nil {
		t.Fatalf("get %s: %v", deviceID, err)
	}
	var reading models.DeviceReading
	if err := json.Unmarshal([]byte(raw), &reading); err != nil {
		t.Fatalf("decode %s: %v", deviceID, err)
	}
	return reading
}

func TestStoreSave(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)

	observed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reading := models.DeviceReading{
		DeviceID:   "watch-0001",
		ObservedAt: observed,
		Vitals:     models.Vitals{HeartRate: models.Int(72), TempC: models.Float(36.8)},
	}
	if err := store.Save(context.Background(), "acme-clinic", reading); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if ttl := mr.TTL("viewer:latest:acme-clinic:watch-0001"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	got := mirrored(t, mr, "watch-0001")
	if *got.HeartRate != 72 || *got.TempC != 36.8 || !got.ObservedAt.Equal(observed) {
		t.Errorf("mirrored = %+v", got)
	}
	if got.SpO2 != nil {
		t.Errorf("SpO2 = %d, want absent", *got.SpO2)
	}
}

func TestStoreLeavesUpstreamCacheAlone(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)

	const upstreamKey = "latest:acme-clinic:watch-0001"
	upstream := `{"device_id":"watch-0001","hr_bpm":70}`
	if err := mr.Set(upstreamKey, upstream); err != nil {
		t.Fatalf("seed upstream: %v", err)
	}
	mr.SetTTL(upstreamKey, 30*time.Second)

	if err := store.Save(context.Background(), "acme-clinic", models.DeviceReading{DeviceID: "watch-0001", Vitals: models.Vitals{HeartRate: models.Int(90)}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if ttl := mr.TTL(upstreamKey); ttl != 30*time.Second {
		t.Errorf("upstream TTL = %v, want untouched 30s", ttl)
	}
	if got, _ := mr.Get(upstreamKey); got != upstream {
		t.Errorf("upstream value = %s, want untouched", got)
	}
	for _, key := range mr.Keys() {
		if key != upstreamKey && !strings.HasPrefix(key, KeyPrefix) {
			t.Errorf("key %q outside the %s namespace", key, KeyPrefix)
		}
	}

	// A device that stops reporting upstream expires there on schedule.
	mr.FastForward(31 * time.Second)
	if mr.Exists(upstreamKey) {
		t.Error("upstream reading outlived its TTL")
	}
}

func TestStoreDefaultTTL(t *testing.T) {
	store, mr := newTestStore(t, 0)

	if err := store.Save(context.Background(), "acme-clinic", models.DeviceReading{DeviceID: "watch-0002"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	key := Key("acme-clinic", "watch-0002")
	if ttl := mr.TTL(key); ttl != DefaultTTL {
		t.Errorf("TTL = %v, want default %v", ttl, DefaultTTL)
	}

	mr.FastForward(DefaultTTL + time.Second)
	if mr.Exists(key) {
		t.Error("mirrored reading outlived its TTL")
	}
}

func TestPublisherWritesInBackground(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	pub := NewPublisher(store, "acme-clinic", 8, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	pub.Publish(models.DeviceReading{DeviceID: "watch-0003", Vitals: models.Vitals{Steps: models.Int(1200)}})

	deadline := time.Now().Add(2 * time.Second)
	for !mr.Exists(Key("acme-clinic", "watch-0003")) {
		if time.Now().After(deadline) {
			t.Fatal("reading never mirrored")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := mirrored(t, mr, "watch-0003"); got.Steps == nil || *got.Steps != 1200 {
		t.Errorf("Steps = %v, want 1200", got.Steps)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if stats := pub.Stats(); stats != (models.MirrorStats{}) {
		t.Errorf("Stats = %+v, want zero", stats)
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	pub := NewPublisher(failingSaver{}, "acme-clinic", 2, zaptest.NewLogger(t))

	// Run is not started, so only the queue capacity is available.
	for _, id := range []string{"watch-0000", "watch-0001", "watch-0002", "watch-0003"} {
		pub.Publish(models.DeviceReading{DeviceID: id})
	}

	if got := pub.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if got := len(pub.queue); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
}

type failingSaver struct{}

func (failingSaver) Save(context.Context, string, models.DeviceReading) error {
	return errors.New("READONLY You can't write against a read only replica")
}

func TestPublisherCountsFailures(t *testing.T) {
	pub := NewPublisher(failingSaver{}, "acme-clinic", 4, zaptest.NewLogger(t))
	pub.Publish(models.DeviceReading{DeviceID: "watch-0000"})

	pub.write(context.Background(), <-pub.queue)
	if got := pub.Stats(); got.Failed != 1 || got.Dropped != 0 {
		t.Errorf("Stats = %+v, want failed=1 dropped=0", got)
	}
}
