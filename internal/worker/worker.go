// Package worker provides the base background service used by modules that
// process items asynchronously: a bounded queue drained by one or more
// consumer goroutines with per-item timing, error accounting and a graceful
// drain on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
)

var (
	// ErrNotRunning is returned by Add when the service is stopped.
	ErrNotRunning = errors.New("worker: service is not running")
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("worker: service is already running")
)

const drainPollInterval = 10 * time.Millisecond

// Processor handles one queued item.
type Processor[T any] interface {
	Process(ctx context.Context, item T) error
}

// ProcessFunc adapts a function to Processor.
type ProcessFunc[T any] func(ctx context.Context, item T) error

func (f ProcessFunc[T]) Process(ctx context.Context, item T) error { return f(ctx, item) }

// Config tunes a Service. Zero values select the defaults.
type Config struct {
	Name          string
	QueueSize     int           // default 100
	Workers       int           // default 1; only 1 preserves item order
	StopTimeout   time.Duration // default 5s
	SlowThreshold time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of a Service.
type Stats struct {
	Name          string
	Processed     uint64
	Errors        uint64
	LastError     string
	LastProcessed time.Time
	Running       bool
	QueueSize     int
	Uptime        time.Duration
}

// Service consumes queued items until stopped.
type Service[T any] struct {
	cfg   Config
	proc  Processor[T]
	queue chan T

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	stopping  chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
	lastErr   string
	lastAt    time.Time

	pending   atomic.Int64
	dropped   atomic.Int64
	processed atomic.Uint64
	errors    atomic.Uint64
}

// New creates a stopped service.
func New[T any](cfg Config, p Processor[T]) *Service[T] {
	cfg = cfg.withDefaults()
	return &Service[T]{
		cfg:   cfg,
		proc:  p,
		queue: make(chan T, cfg.QueueSize),
	}
}

// Start launches the consumers. They inherit ctx's logger and stop when ctx
// is cancelled or Stop is called.
func (s *Service[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	logger := ctxlog.FromContext(ctx).With("worker", s.cfg.Name)
	runCtx, cancel := context.WithCancel(ctxlog.WithLogger(context.WithoutCancel(ctx), logger))
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.cancel = cancel
	s.stopping = make(chan struct{})
	s.running = true
	s.startedAt = time.Now()
	s.pending.Store(int64(len(s.queue)))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.loop(runCtx, i)
	}
	logger.Debug("Worker service started.", "workers", s.cfg.Workers, "queue_size", s.cfg.QueueSize)
	return nil
}

// Stop refuses new items, waits up to StopTimeout for the queue to drain,
// then cancels the consumers and waits for them to exit. Items still queued
// at that point are discarded. Stopping a stopped service is a no-op.
func (s *Service[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopping)
	cancel := s.cancel
	s.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("worker", s.cfg.Name)
	logger.Debug("Stopping worker service, draining queue.", "pending", s.pending.Load())

	drained := s.waitDrained(ctx)
	if !drained {
		logger.Warn("Worker queue not drained before timeout, discarding remaining items.", "pending", s.pending.Load(), "timeout", s.cfg.StopTimeout)
	}
	cancel()
	s.wg.Wait()

	if n := s.discard() + int(s.dropped.Swap(0)); n > 0 {
		logger.Warn("Discarded queued items.", "count", n)
	}
	logger.Debug("Worker service stopped.", "processed", s.processed.Load(), "errors", s.errors.Load())
	if !drained && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (s *Service[T]) waitDrained(ctx context.Context) bool {
	deadline := time.NewTimer(s.cfg.StopTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPollInterval)
	defer tick.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Add enqueues item, blocking while the queue is full.
func (s *Service[T]) Add(ctx context.Context, item T) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stopping := s.stopping
	s.pending.Add(1)
	s.mu.Unlock()

	select {
	case s.queue <- item:
		return nil
	case <-stopping:
		s.pending.Add(-1)
		return ErrNotRunning
	case <-ctx.Done():
		s.pending.Add(-1)
		return ctx.Err()
	}
}

// Running reports whether the service accepts items.
func (s *Service[T]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the counters.
func (s *Service[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Name:          s.cfg.Name,
		Processed:     s.processed.Load(),
		Errors:        s.errors.Load(),
		LastError:     s.lastErr,
		LastProcessed: s.lastAt,
		Running:       s.running,
		QueueSize:     len(s.queue),
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

func (s *Service[T]) loop(ctx context.Context, workerID int) {
	defer s.wg.Done()
	logger := ctxlog.FromContext(ctx).With("workerID", workerID)
	logger.Debug("Worker started.")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker finished.")
			return
		case item := <-s.queue:
			if ctx.Err() != nil {
				s.dropped.Add(1)
				s.pending.Add(-1)
				continue
			}
			s.process(ctx, item)
			s.pending.Add(-1)
		}
	}
}

func (s *Service[T]) process(ctx context.Context, item T) {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	err := s.safeProcess(ctx, item)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.lastAt = time.Now()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.errors.Add(1)
		logger.Error("Item processing failed.", "error", err, "duration", elapsed)
		return
	}
	s.processed.Add(1)
	if elapsed > s.cfg.SlowThreshold {
		logger.Warn("Slow item processing.", "duration", elapsed, "threshold", s.cfg.SlowThreshold)
	}
}

func (s *Service[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return s.proc.Process(ctx, item)
}

func (s *Service[T]) discard() int {
	n := 0
	for {
		select {
		case <-s.queue:
			s.pending.Add(-1)
			n++
		default:
			return n
		}
	}
}
