// Package scheduler routes ledger events to per-synchronizer serial
// queues. Events for one synchronizer apply strictly in submission
// order, one at a time; synchronizers are independent and run fully in
// parallel.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/eventlog"
)

// ErrSchedulerClosed is returned by Submit after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

type task struct {
	ctx  context.Context
	ev   eventlog.Event
	done chan error
}

// Scheduler owns one serial queue per synchronizer, each drained by its
// own worker. Workers are joined through an errgroup on Close.
type Scheduler struct {
	writer    *eventlog.Writer
	log       *slog.Logger
	queueSize int

	mu     sync.Mutex
	queues map[acs.SynchronizerID]chan task
	closed bool
	group  *errgroup.Group
}

// New creates a scheduler over w. queueSize bounds each synchronizer's
// in-flight backlog.
func New(w *eventlog.Writer, queueSize int, log *slog.Logger) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		writer:    w,
		log:       log,
		queueSize: queueSize,
		queues:    make(map[acs.SynchronizerID]chan task),
		group:     &errgroup.Group{},
	}
}

// Submit enqueues ev on its synchronizer's serial queue and waits for
// the append to be acknowledged. The caller's context cancels both the
// wait and the append itself; a cancelled append leaves no partial
// entry since the close-old/open-new pair commits atomically.
func (s *Scheduler) Submit(ctx context.Context, ev eventlog.Event) error {
	queue, err := s.queueFor(ev.Synchronizer)
	if err != nil {
		return err
	}

	t := task{ctx: ctx, ev: ev, done: make(chan error, 1)}
	select {
	case queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) queueFor(synchronizer acs.SynchronizerID) (chan task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	queue, ok := s.queues[synchronizer]
	if !ok {
		queue = make(chan task, s.queueSize)
		s.queues[synchronizer] = queue
		s.group.Go(func() error {
			s.drain(synchronizer, queue)
			return nil
		})
	}
	return queue, nil
}

func (s *Scheduler) drain(synchronizer acs.SynchronizerID, queue chan task) {
	for t := range queue {
		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- s.writer.Append(t.ctx, t.ev)
	}
	s.log.Debug("synchronizer queue drained", "synchronizer", synchronizer)
}

// Close stops accepting submissions, drains the queues, and joins the
// workers.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, queue := range s.queues {
		close(queue)
	}
	s.mu.Unlock()
	return s.group.Wait()
}
