package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers Tick on a fixed cadence. A tick that outlives the
// interval is never run concurrently with the next one: overlapping triggers
// are skipped, not queued.
type Scheduler struct {
	orc     *Orchestrator
	c       *cron.Cron
	entryID cron.EntryID
	running atomic.Bool
	started bool
	wg      sync.WaitGroup
}

func NewScheduler(orc *Orchestrator) *Scheduler {
	return &Scheduler{orc: orc, c: cron.New()}
}

// Start registers the recurring tick and launches the cron loop. The first
// tick runs immediately rather than waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	id, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.orc.cfg.Interval), func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.entryID = id
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)
	}()
	s.c.Start()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("tick skipped, previous scan still running")
		return
	}
	defer s.running.Store(false)
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, s.orc.cfg.Interval)
	defer cancel()
	s.orc.Tick(tctx)
}

// Stop halts future triggers and waits for an in-flight tick to finish,
// including the immediate tick launched by Start, which cron does not track.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	<-s.c.Stop().Done()
	s.wg.Wait()
	s.started = false
}
