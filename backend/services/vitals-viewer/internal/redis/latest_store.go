package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"healthsense/backend/services/vitals-viewer/internal/models"
)

// DefaultTTL matches the cache lifetime of the telemetry API.
const DefaultTTL = 10 * time.Minute

// KeyPrefix namespaces mirrored readings. The telemetry API caches under
// latest:<tenant>:<device>; writing there would keep refreshing readings of
// devices that stopped reporting.
const KeyPrefix = "viewer:latest:"

// Store mirrors the latest reading per device. It is write-only.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Key returns the mirror key of one device.
func Key(tenantID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefix, tenantID, deviceID)
}

// Save writes the reading under viewer:latest:<tenant>:<device>.
func (s *Store) Save(ctx context.Context, tenantID string, reading models.DeviceReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	if err := s.client.Set(ctx, Key(tenantID, reading.DeviceID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set latest %s: %w", reading.DeviceID, err)
	}
	return nil
}
