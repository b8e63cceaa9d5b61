package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps a running offset against the exchange clock so signed
// request timestamps stay inside the recv window.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	logger        *zap.Logger
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), logger *zap.Logger) *TimeSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		logger:        logger,
		syncInterval:  30 * time.Minute,
	}
}

// Start begins periodic time synchronization.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.logger.Warn("initial time sync failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.logger.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric.
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	offset := ts.offset
	ts.mu.Unlock()

	ts.logger.Debug("time sync", zap.Int64("offset_ms", offset))
	return nil
}

// Now returns current time adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
