package timer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/types"
)

// FireHandler receives a due timer. It must write the TimerFired event
// before returning nil; the service then transitions the timer row.
type FireHandler func(ctx context.Context, t *types.Timer) error

// Config holds the scan knobs.
type Config struct {
	ScanInterval time.Duration
	ScanBatch    int
	Retention    time.Duration
}

// Service owns one scan loop per owned shard plus a slow retention
// sweeper. Delivery is at-least-once; the optimistic status transition
// makes the Fired edge exactly-once.
type Service struct {
	store   Store
	handler FireHandler
	cfg     Config
	shards  []int32
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(store Store, handler FireHandler, shards []int32, cfg Config, logger *zap.Logger) *Service {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Service{
		store:   store,
		handler: handler,
		cfg:     cfg,
		shards:  shards,
		logger:  logger,
	}
}

// SetHandler installs the fire handler; it must be called before Start.
// It exists because the engine and the timer service reference each
// other at wiring time.
func (s *Service) SetHandler(h FireHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("timer service already running")
	}
	if s.handler == nil {
		return errors.New("timer service has no fire handler")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, shard := range s.shards {
		s.wg.Add(1)
		go s.scanLoop(shard)
	}
	s.wg.Add(1)
	go s.retentionLoop()

	s.logger.Info("timer service started",
		zap.Int("shards", len(s.shards)),
		zap.Duration("scan_interval", s.cfg.ScanInterval))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("timer service stopped")
}

// CreateTimer registers a Pending timer on the execution's shard.
func (s *Service) CreateTimer(ctx context.Context, key types.ExecutionKey, timerID string, fireTime time.Time, shardID int32) error {
	now := time.Now().UTC()
	if fireTime.Before(now) {
		fireTime = now
	}
	return s.store.Create(ctx, &types.Timer{
		ShardID:     shardID,
		NamespaceID: key.NamespaceID,
		WorkflowID:  key.WorkflowID,
		RunID:       key.RunID,
		TimerID:     timerID,
		FireTime:    fireTime,
		Status:      types.TimerStatusPending,
		Version:     0,
		CreatedAt:   now,
	})
}

// CancelTimer moves a Pending timer to Canceled. Losing the version race
// (or finding the timer already fired) is not an error for the caller.
func (s *Service) CancelTimer(ctx context.Context, key types.ExecutionKey, timerID string) error {
	t, err := s.store.Get(ctx, key, timerID)
	if err != nil {
		return err
	}
	if t.Status != types.TimerStatusPending {
		return nil
	}
	err = s.store.UpdateStatus(ctx, key, timerID, types.TimerStatusCanceled, t.Version)
	if errors.Is(err, types.ErrOptimisticLock) {
		return nil
	}
	return err
}

func (s *Service) scanLoop(shard int32) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	label := strconv.Itoa(int(shard))

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			s.scanOnce(shard)
			observability.TimerScanDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Service) scanOnce(shard int32) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ScanInterval*10)
	defer cancel()

	due, err := s.store.Due(ctx, shard, time.Now().UTC(), s.cfg.ScanBatch)
	if err != nil {
		s.logger.Warn("timer scan failed", zap.Int32("shard", shard), zap.Error(err))
		return
	}

	for _, t := range due {
		if err := s.fire(ctx, t); err != nil {
			s.logger.Warn("timer fire failed",
				zap.String("timer_id", t.TimerID),
				zap.String("execution", t.ExecutionKey().String()),
				zap.Error(err))
		}
	}
}

func (s *Service) fire(ctx context.Context, t *types.Timer) error {
	if err := s.handler(ctx, t); err != nil {
		return fmt.Errorf("deliver timer: %w", err)
	}
	err := s.store.UpdateStatus(ctx, t.ExecutionKey(), t.TimerID, types.TimerStatusFired, t.Version)
	if errors.Is(err, types.ErrOptimisticLock) {
		// Another scanner won the transition; the fired edge is still
		// exactly-once because the engine dedupes on timer_id.
		return nil
	}
	if err == nil {
		observability.TimersFired.Inc()
	}
	return err
}

func (s *Service) retentionLoop() {
	defer s.wg.Done()

	// One sweep per hour is plenty; timers are small rows.
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			purged, err := s.store.PurgeClosed(ctx, time.Now().Add(-s.cfg.Retention))
			cancel()
			if err != nil {
				s.logger.Warn("timer retention sweep failed", zap.Error(err))
			} else if purged > 0 {
				s.logger.Info("purged closed timers", zap.Int64("count", purged))
			}
		}
	}
}
