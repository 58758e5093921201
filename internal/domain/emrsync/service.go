// Package emrsync reconciles the EMR pending-order feed into the worklist
// store, on a timer and on demand before worklist queries.
package emrsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/telemetry"
)

// Config holds the timing knobs of the sync service.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	// Timeout bounds one reconciliation pass.
	Timeout time.Duration
	// QueryTimeout bounds how long a worklist query waits for a pass.
	QueryTimeout time.Duration
	// QueryMinGap, when positive, skips query-triggered passes that follow
	// the previous one too closely.
	QueryMinGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	return c
}

// Result summarizes one reconciliation pass.
type Result struct {
	Fetched  int           `json:"fetched"`
	Skipped  int           `json:"skipped"`
	Changed  int           `json:"changed"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Service runs reconciliation passes. At most one pass runs at a time;
// callers that arrive during a pass wait for it and share its result.
type Service struct {
	store   worklist.Store
	source  Source
	cfg     Config
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	group   singleflight.Group
	limiter *rate.Limiter

	// stopCtx parents every pass so Close can abort the one in flight.
	stopCtx context.Context
	stop    context.CancelFunc
	passes  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	last    Result
	lastErr error
}

// ErrClosed is returned by Sync once Close has been called.
var ErrClosed = errors.New("sync service closed")

// NewService creates a sync service. metrics may be nil.
func NewService(store worklist.Store, source Source, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	s := &Service{
		stopCtx: stopCtx,
		stop:    stop,
		store:   store,
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "emrsync").Logger(),
	}
	if cfg.QueryMinGap > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.QueryMinGap), 1)
	}
	return s
}

// Sync runs a reconciliation pass, or joins the one already running. The
// pass itself is bounded by the configured timeout and by Close, and is not
// cancelled when ctx is; ctx only bounds how long this caller waits.
func (s *Service) Sync(ctx context.Context) (Result, error) {
	ch := s.group.DoChan("sync", func() (interface{}, error) {
		if !s.beginPass() {
			return Result{}, ErrClosed
		}
		defer s.passes.Done()
		runCtx, cancel := context.WithTimeout(s.stopCtx, s.cfg.Timeout)
		defer cancel()
		return s.reconcile(runCtx)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	}
}

// TriggerForQuery is the best-effort sync run ahead of a worklist query. The
// error is informational; the query proceeds against local state either way.
func (s *Service) TriggerForQuery(ctx context.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("on-demand sync failed, serving local worklist")
		return err
	}
	return nil
}

func (s *Service) beginPass() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.passes.Add(1)
	return true
}

// Close aborts the pass in flight and waits for it to return, or for ctx to
// expire. Later calls to Sync fail with ErrClosed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync pass: %w", ctx.Err())
	}
}

// Last returns the outcome of the most recent completed pass.
func (s *Service) Last() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// Run executes a pass after the initial delay and then on every interval
// until ctx is cancelled. Failed passes are logged; the schedule continues.
func (s *Service) Run(ctx context.Context) {
	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
				s.logger.Error().Err(err).Msg("scheduled sync failed")
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

type mappedOrder struct {
	patient   *worklist.Patient
	procedure *worklist.ScheduledProcedure
}

func (s *Service) reconcile(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{At: start}

	orders, err := s.source.PendingOrders(ctx)
	if err == nil {
		res.Fetched = len(orders)
		batch := make([]mappedOrder, 0, len(orders))
		for _, o := range orders {
			p, sp, mapErr := o.Map()
			if mapErr != nil {
				res.Skipped++
				s.logger.Debug().Err(mapErr).Int64("order_seq", o.OrderSeq).Msg("skipping remote order")
				continue
			}
			batch = append(batch, mappedOrder{patient: p, procedure: sp})
		}
		err = s.apply(ctx, batch, &res)
	}
	res.Duration = time.Since(start)

	s.mu.Lock()
	s.last, s.lastErr = res, err
	s.mu.Unlock()
	s.metrics.SyncFinished(err, res.Duration, res.Fetched, res.Skipped, res.Changed)

	if err != nil {
		s.logger.Warn().Err(err).Dur("duration", res.Duration).Msg("sync pass aborted")
		return res, err
	}
	s.logger.Info().
		Int("fetched", res.Fetched).
		Int("skipped", res.Skipped).
		Int("changed", res.Changed).
		Dur("duration", res.Duration).
		Msg("sync pass complete")
	return res, nil
}

// apply writes the whole batch in one transaction.
func (s *Service) apply(ctx context.Context, batch []mappedOrder, res *Result) error {
	changed := 0
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		for _, m := range batch {
			if _, err := s.store.UpsertPatient(ctx, m.patient); err != nil {
				return err
			}
			ok, err := s.store.UpsertScheduledProcedure(ctx, m.procedure)
			if err != nil {
				return err
			}
			if ok {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	res.Changed = changed
	return nil
}
