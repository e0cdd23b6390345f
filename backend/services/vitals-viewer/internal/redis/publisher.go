package redisstore

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"healthsense/backend/services/vitals-viewer/internal/models"
)

const (
	defaultQueueSize    = 512
	defaultWriteTimeout = 2 * time.Second
)

// Saver persists one reading. *Store implements it.
type Saver interface {
	Save(ctx context.Context, tenantID string, reading models.DeviceReading) error
}

// Publisher writes readings to the mirror off the caller's goroutine.
// Publish never blocks: when the queue is full the reading is dropped.
type Publisher struct {
	saver    Saver
	tenantID string
	queue    chan models.DeviceReading
	logger   *zap.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewPublisher builds publisher; queueSize <= 0 uses the default.
func NewPublisher(saver Saver, tenantID string, queueSize int, logger *zap.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		saver:    saver,
		tenantID: tenantID,
		queue:    make(chan models.DeviceReading, queueSize),
		logger:   logger.Named("state_mirror"),
	}
}

// Publish enqueues reading.
func (p *Publisher) Publish(reading models.DeviceReading) {
	select {
	case p.queue <- reading:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.logger.Warn("mirror queue full, dropping reading",
				zap.String("device_id", reading.DeviceID),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Run drains the queue until ctx is done. Write failures are logged and
// never retried.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("state mirror started", zap.String("tenant_id", p.tenantID))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("state mirror stopped",
				zap.Int64("dropped", p.dropped.Load()),
				zap.Int64("failed", p.failed.Load()),
			)
			return nil
		case reading := <-p.queue:
			p.write(ctx, reading)
		}
	}
}

func (p *Publisher) write(ctx context.Context, reading models.DeviceReading) {
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := p.saver.Save(writeCtx, p.tenantID, reading); err != nil {
		p.failed.Add(1)
		p.logger.Warn("mirror write failed", zap.String("device_id", reading.DeviceID), zap.Error(err))
	}
}

// Stats returns how many readings were discarded on a full queue and how
// many writes returned an error.
func (p *Publisher) Stats() models.MirrorStats {
	return models.MirrorStats{
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}
