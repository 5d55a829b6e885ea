// Copyright 2025 James Ross
// Package supervisor implements the worker drain loop: pull
// a batch off the stream back-end, dispatch every entry through the
// processor, and watch three independent exit conditions (signal,
// memory cap, uptime cap) plus an operator restart-flag file. It is
// grounded on worker.Worker.Run/runOne for the goroutine-per-worker
// shape and graceful-shutdown-via-context pattern, generalized from
// that package's Redis-list BRPOPLPUSH loop to a consumer-group batch
// read.
package supervisor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/processor"
	"github.com/flyingrobots/event-ingest/internal/retry"
	"github.com/flyingrobots/event-ingest/internal/stream"
)

// Source is the pull side of a back-end the supervisor can drain. It
// also carries Enqueue so a failed entry can be re-appended with an
// incremented attempt count — stream retries never reuse the original
// entry ID. stream.Stream satisfies this directly.
type Source interface {
	Read(ctx context.Context) ([]stream.Entry, error)
	Ack(ctx context.Context, entryID string) error
	Enqueue(ctx context.Context, e *event.Event) (string, error)
}

var _ Source = (*stream.Stream)(nil)

// DeadLetterer is the narrow dead-letter surface the supervisor falls
// back to once retries on an entry are exhausted.
type DeadLetterer interface {
	SendToDLQ(ctx context.Context, raw []byte, reason string) error
}

// Supervisor runs one drain loop against a Source until an exit
// condition fires.
type Supervisor struct {
	cfg       config.Supervisor
	source    Source
	processor *processor.Processor
	retry     *retry.Manager
	dlq       DeadLetterer
	sourceLbl string
	log       *zap.Logger

	startedAt    time.Time
	processed    int64
	emptyStreak  int
	currentSleep time.Duration
	retryWG      sync.WaitGroup
}

func New(cfg config.Supervisor, source Source, proc *processor.Processor, sourceLabel string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg: cfg, source: source, processor: proc, sourceLbl: sourceLabel, log: log,
		currentSleep: cfg.PollSleep,
	}
}

// WithRetry attaches retry-count bookkeeping and a dead-letter sink,
// turning a processing failure into either a delayed re-enqueue or a
// DLQ write instead of a silent skip. Returns s for chaining.
func (s *Supervisor) WithRetry(mgr *retry.Manager, dlq DeadLetterer) *Supervisor {
	s.retry = mgr
	s.dlq = dlq
	return s
}

// Run drains until ctx is canceled or an internal exit condition
// fires, always returning nil — exit is always graceful; the caller
// decides whether to relaunch.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	defer s.retryWG.Wait()
	for {
		if reason := s.shouldExit(); reason != "" {
			s.log.Info("supervisor: exiting", zap.String("reason", reason), zap.String("source", s.sourceLbl))
			return nil
		}
		select {
		case <-ctx.Done():
			s.log.Info("supervisor: context canceled, exiting", zap.String("source", s.sourceLbl))
			return nil
		default:
		}

		entries, err := s.source.Read(ctx)
		if err != nil {
			s.log.Warn("supervisor: read failed", zap.String("source", s.sourceLbl), zap.Error(err))
			time.Sleep(s.currentSleep)
			continue
		}

		if len(entries) == 0 {
			s.emptyStreak++
			if s.emptyStreak > 10 {
				s.currentSleep *= 2
				if s.currentSleep > s.cfg.MaxPollSleep {
					s.currentSleep = s.cfg.MaxPollSleep
				}
			}
			time.Sleep(s.currentSleep)
			continue
		}

		s.emptyStreak = 0
		s.currentSleep = s.cfg.PollSleep

		for _, entry := range entries {
			if err := s.processor.Process(ctx, &entry.Event, s.sourceLbl); err != nil {
				s.log.Error("supervisor: process failed", zap.String("event_id", entry.Event.ID.String()), zap.Error(err))
				s.handleFailure(ctx, entry, err)
				continue
			}
			if err := s.source.Ack(ctx, entry.ID); err != nil {
				s.log.Error("supervisor: ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
			}
			s.processed++
			if s.processed%s.cfg.StatsLogEveryN == 0 {
				s.logStats()
			}
		}
	}
}

// handleFailure decides, for one failed entry, whether to re-enqueue it
// with an incremented attempt count or send it to the dead-letter sink,
// then acks the original entry so it is never redelivered twice under
// its old ID. Without a retry manager attached it just acks and drops
// the entry, matching the broker side's behavior when no DeadLetterer
// is configured.
func (s *Supervisor) handleFailure(ctx context.Context, entry stream.Entry, procErr error) {
	if s.retry == nil {
		if err := s.source.Ack(ctx, entry.ID); err != nil {
			s.log.Error("supervisor: ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		return
	}

	eventID := entry.Event.ID.String()
	attempts, err := s.retry.Increment(ctx, eventID)
	if err != nil {
		s.log.Error("supervisor: retry increment failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}

	if s.retry.Exhausted(attempts) {
		if s.dlq != nil {
			body, marshalErr := entry.Event.Marshal()
			if marshalErr == nil {
				if err := s.dlq.SendToDLQ(ctx, body, procErr.Error()); err != nil {
					s.log.Error("supervisor: dead-letter failed", zap.String("event_id", eventID), zap.Error(err))
				}
			}
		}
		_ = s.retry.Reset(ctx, eventID)
		if err := s.source.Ack(ctx, entry.ID); err != nil {
			s.log.Error("supervisor: ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		return
	}

	s.scheduleRetry(ctx, entry, attempts)
}

// scheduleRetry re-enqueues entry once its backoff delay elapses, on its
// own goroutine — the drain loop in Run moves on to the next entry
// immediately instead of blocking the whole stream behind one backoff.
// The original entry is left unacked until the re-enqueue succeeds, so a
// process exit before the timer fires just leaves it for claimPending to
// pick back up once it goes idle, rather than losing the retry.
func (s *Supervisor) scheduleRetry(ctx context.Context, entry stream.Entry, attempts int) {
	delay := s.retry.NextDelay(attempts)
	eventID := entry.Event.ID.String()
	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		retried := entry.Event
		retried.RetryCount = attempts
		if _, err := s.source.Enqueue(ctx, &retried); err != nil {
			s.log.Error("supervisor: re-enqueue failed, leaving unacked for redelivery",
				zap.String("event_id", eventID), zap.Error(err))
			return
		}
		if err := s.source.Ack(ctx, entry.ID); err != nil {
			s.log.Error("supervisor: ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}()
}

func (s *Supervisor) logStats() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := time.Since(s.startedAt)
	rate := float64(s.processed) / uptime.Seconds()
	s.log.Info("supervisor: stats",
		zap.String("source", s.sourceLbl),
		zap.Int64("processed", s.processed),
		zap.Float64("rate_per_sec", rate),
		zap.Uint64("heap_alloc_bytes", mem.HeapAlloc),
	)
}

// shouldExit checks the memory, uptime and restart-flag conditions.
// Signal-based cancellation is delivered through ctx and checked in
// Run's select, not here.
func (s *Supervisor) shouldExit() string {
	if s.cfg.MaxUptime > 0 && time.Since(s.startedAt) >= s.cfg.MaxUptime {
		return "max uptime reached"
	}
	if s.cfg.MemoryCapMB > 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		usedMB := int64(mem.HeapAlloc / (1024 * 1024))
		if usedMB >= (s.cfg.MemoryCapMB*85)/100 {
			return "memory cap reached"
		}
	}
	if s.cfg.RestartFlagPath != "" {
		if _, err := os.Stat(s.cfg.RestartFlagPath); err == nil {
			_ = os.Remove(s.cfg.RestartFlagPath)
			return "restart flag present"
		}
	}
	return ""
}
