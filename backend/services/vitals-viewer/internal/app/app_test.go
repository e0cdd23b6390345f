package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"healthsense/backend/services/vitals-viewer/internal/config"
	"healthsense/backend/services/vitals-viewer/internal/models"
	"healthsense/backend/services/vitals-viewer/internal/ws"
)

// newTelemetryAPI serves the roster and push endpoints of the telemetry API.
func newTelemetryAPI(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": r.URL.Query().Get("tenant_id"),
			"count":     1,
			"devices": []map[string]any{
				{"device_id": "watch-0001", "timestamp": "2026-01-02T03:04:05Z", "hr_bpm": 72, "temp_c": 36.8},
			},
		})
	})
	mux.HandleFunc("/api/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub models.SubscriptionFrame
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != models.FrameSubscribe {
			return
		}
		conn.WriteJSON(map[string]any{
			"device_id": sub.DeviceID,
			"tenant_id": sub.TenantID,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"data":      map[string]any{"hr_bpm": 99},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAppEndToEnd(t *testing.T) {
	api := newTelemetryAPI(t)
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.API.BaseURL = api.URL + "/api/v1"
	cfg.API.WSURL = "ws" + strings.TrimPrefix(api.URL, "http") + "/api/v1"
	cfg.HTTP.Port = "0"
	cfg.Redis.Addr = mr.Addr()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := New(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer application.Close()

	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := application.controller.Snapshot()
		d, ok := snap.Device("watch-0001")
		if ok && d.HeartRate != nil && *d.HeartRate == 99 {
			if d.TempC == nil || *d.TempC != 36.8 {
				t.Errorf("TempC = %v, want 36.8 kept by partial merge", d.TempC)
			}
			if _, ok := snap.Latency(); !ok {
				t.Error("expected a latency measurement")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("push update never applied; snapshot %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for !mr.Exists("viewer:latest:acme-clinic:watch-0001") {
		if time.Now().After(deadline) {
			t.Fatal("reading was not mirrored to redis")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if mr.Exists("latest:acme-clinic:watch-0001") {
		t.Error("mirror wrote into the telemetry API's cache namespace")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestReconnectPolicy(t *testing.T) {
	fixed := reconnectPolicy(config.ReconnectConfig{Strategy: "fixed", DelayMillis: 3000})
	if got := fixed.Delay(5); got != 3*time.Second {
		t.Errorf("fixed Delay(5) = %v, want 3s", got)
	}

	exp := reconnectPolicy(config.ReconnectConfig{Strategy: "Exponential", DelayMillis: 500, MaxDelayMillis: 4000})
	backoff, ok := exp.(ws.ExponentialBackoff)
	if !ok {
		t.Fatalf("policy = %T, want ws.ExponentialBackoff", exp)
	}
	if got := backoff.Delay(10); got != 4*time.Second {
		t.Errorf("exponential Delay(10) = %v, want cap 4s", got)
	}
}
