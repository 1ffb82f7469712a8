// Package eventlog appends immutable ledger events and applies them to
// the Active Contract Index before acknowledging the write.
//
// Events are keyed by (synchronizer, request counter), monotonically
// increasing per synchronizer. Appends are idempotent under retry: an
// already-seen key is acknowledged without reapplying.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/index"
	"github.com/parledger/acs/pkg/store"
)

// Kind enumerates ledger event kinds.
type Kind string

const (
	KindCreate   Kind = "CREATE"
	KindArchive  Kind = "ARCHIVE"
	KindUnassign Kind = "UNASSIGN"
	KindAssign   Kind = "ASSIGN"
)

// Event is one ledger event to append.
type Event struct {
	Synchronizer   acs.SynchronizerID
	RequestCounter uint64
	ContractID     contractid.ContractID
	Kind           Kind
	At             acs.LogicalTime
	// Target is required for UNASSIGN: the destination synchronizer.
	Target acs.SynchronizerID
	// Source is required for ASSIGN: the origin synchronizer.
	Source acs.SynchronizerID
}

// ErrCounterGap is returned when an event's request counter is not the
// successor of the last recorded counter for its synchronizer.
var ErrCounterGap = errors.New("request counter out of order")

// HealthSink receives the fatal signal raised when storage retries are
// exhausted. The ACS must remain the single source of truth, so the node
// is expected to stop serving rather than continue on a failing store.
type HealthSink func(err error)

// Writer is the event log writer.
type Writer struct {
	backend  store.Backend
	index    *index.Index
	log      *slog.Logger
	fatal    HealthSink
	maxTries uint
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// WithHealthSink sets the fatal escalation callback.
func WithHealthSink(sink HealthSink) Option {
	return func(w *Writer) { w.fatal = sink }
}

// WithMaxRetries bounds the transient-storage retry budget per append.
func WithMaxRetries(n uint) Option {
	return func(w *Writer) { w.maxTries = n }
}

// NewWriter creates a writer over backend and ix.
func NewWriter(backend store.Backend, ix *index.Index, opts ...Option) *Writer {
	w := &Writer{
		backend:  backend,
		index:    ix,
		log:      slog.Default(),
		fatal:    func(error) {},
		maxTries: 5,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Append records ev and synchronously applies it to the index before
// returning. Replaying an identical event is a no-op. Transient storage
// failures are retried with bounded exponential backoff; exhaustion
// escalates through the health sink and returns the error.
func (w *Writer) Append(ctx context.Context, ev Event) error {
	if err := w.validate(ev); err != nil {
		return err
	}

	op := func() (struct{}, error) {
		err := w.appendOnce(ctx, ev)
		if err == nil || !acs.IsTransient(err) {
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, nil
		}
		w.log.Warn("transient storage failure, retrying append",
			"synchronizer", ev.Synchronizer, "request_counter", ev.RequestCounter, "error", err)
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(w.maxTries),
	)
	if acs.IsTransient(err) {
		fatal := fmt.Errorf("event log storage retries exhausted for %s/%d: %w", ev.Synchronizer, ev.RequestCounter, err)
		w.log.Error("escalating storage failure to node health", "error", fatal)
		w.fatal(fatal)
		return fatal
	}
	return err
}

func (w *Writer) appendOnce(ctx context.Context, ev Event) error {
	seen, err := w.backend.HasEvent(ctx, ev.Synchronizer, ev.RequestCounter, ev.ContractID)
	if err != nil {
		return err
	}
	if seen {
		w.log.Debug("event already recorded, replay is a no-op",
			"synchronizer", ev.Synchronizer, "request_counter", ev.RequestCounter)
		return nil
	}

	last, have, err := w.backend.LastRequestCounter(ctx, ev.Synchronizer)
	if err != nil {
		return err
	}
	if have && ev.RequestCounter <= last {
		return fmt.Errorf("counter %d for %s, last recorded %d: %w", ev.RequestCounter, ev.Synchronizer, last, ErrCounterGap)
	}

	// Write-ahead ordering: the index reflects the event before the
	// event record acknowledges it. If the index apply fails, nothing
	// was recorded and the append can be retried or rejected whole.
	//
	// A conflict can also mean a previous attempt applied the index but
	// crashed or failed before recording the event. In that case the
	// index state already matches this exact event and only the record
	// is missing.
	if err := w.apply(ctx, ev); err != nil {
		if acs.IsTransient(err) || !w.alreadyApplied(ctx, ev) {
			return err
		}
		w.log.Debug("index already reflects event, recording only",
			"synchronizer", ev.Synchronizer, "request_counter", ev.RequestCounter)
	}

	return w.backend.AppendEvent(ctx, store.EventRecord{
		Synchronizer:   ev.Synchronizer,
		RequestCounter: ev.RequestCounter,
		ContractID:     ev.ContractID,
		Kind:           string(ev.Kind),
		At:             ev.At,
	})
}

func (w *Writer) apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindCreate:
		return w.index.RecordCreate(ctx, ev.ContractID, ev.Synchronizer, ev.At)
	case KindArchive:
		return w.index.RecordArchive(ctx, ev.ContractID, ev.Synchronizer, ev.At)
	case KindUnassign:
		return w.index.RecordUnassign(ctx, ev.ContractID, ev.Synchronizer, ev.Target, ev.At)
	case KindAssign:
		return w.index.RecordAssign(ctx, ev.ContractID, ev.Synchronizer, ev.At)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// alreadyApplied reports whether the index state at ev.At is exactly the
// state this event would produce, i.e. a prior attempt applied it.
func (w *Writer) alreadyApplied(ctx context.Context, ev Event) bool {
	status, err := w.index.StatusAt(ctx, ev.ContractID, ev.Synchronizer, ev.At)
	if err != nil || status.At != ev.At {
		return false
	}
	switch ev.Kind {
	case KindCreate, KindAssign:
		return status.Kind == acs.StatusActive
	case KindArchive:
		return status.Kind == acs.StatusArchived
	case KindUnassign:
		return status.Kind == acs.StatusInFlightUnassignment && status.Target == ev.Target
	default:
		return false
	}
}

func (w *Writer) validate(ev Event) error {
	if ev.ContractID.IsZero() {
		return fmt.Errorf("%w: zero contract id", contractid.ErrMalformed)
	}
	if ev.Synchronizer == "" {
		return errors.New("synchronizer id required")
	}
	if ev.RequestCounter == 0 {
		return errors.New("request counter must be positive")
	}
	if ev.Kind == KindUnassign && ev.Target == "" {
		return errors.New("unassignment requires a target synchronizer")
	}
	if ev.Kind == KindAssign && ev.Source == "" {
		return errors.New("assignment requires a source synchronizer")
	}
	return nil
}
