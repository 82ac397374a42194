// Package ledger records every deployment attempt and persists the record
// set after each transition.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bidon15/popdeploy/internal/metrics"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrRecordFinal is returned when updating a confirmed record.
	ErrRecordFinal = errors.New("record is confirmed and cannot be changed")
)

// Sink persists a ledger snapshot. Write must be idempotent: writing the
// same run twice replaces the earlier output.
type Sink interface {
	Name() string
	Write(ctx context.Context, snap *Snapshot) error
}

// FileSink is a Sink backed by a single file.
type FileSink interface {
	Sink
	Path() string
}

// Config configures a Ledger.
type Config struct {
	// Sinks must succeed for a flush to succeed.
	Sinks []Sink
	// Mirrors are best effort; their failures are logged and counted.
	Mirrors []Sink
	// MirrorTimeout bounds each mirror write. Mirrors must honour the
	// context they are given. Defaults to DefaultMirrorTimeout.
	MirrorTimeout time.Duration
	Logger        *slog.Logger
}

// DefaultMirrorTimeout is the mirror write limit when none is configured.
const DefaultMirrorTimeout = 5 * time.Second

// Ledger is the ordered list of attempt records for one run. It is safe for
// concurrent use; the status server reads snapshots while a run appends.
type Ledger struct {
	mu      sync.RWMutex
	meta    Metadata
	records []Record

	sinks         []Sink
	mirrors       []Sink
	mirrorTimeout time.Duration
	logger        *slog.Logger
}

// New creates an empty ledger for the run described by meta.
func New(meta Metadata, cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if meta.Status == "" {
		meta.Status = RunRunning
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = DefaultMirrorTimeout
	}
	return &Ledger{
		meta:          meta,
		sinks:         cfg.Sinks,
		mirrors:       cfg.Mirrors,
		mirrorTimeout: cfg.MirrorTimeout,
		logger:        logger,
	}
}

// Append adds a record.
func (l *Ledger) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec.clone())
}

// Restore seeds the ledger with the confirmed records of a previous run.
// Other records are ignored. It returns the number of records restored.
func (l *Ledger) Restore(prev *Snapshot, source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, r := range prev.Records {
		if r.IsConfirmed() {
			l.records = append(l.records, r.clone())
			n++
		}
	}
	l.meta.ResumedFrom = source
	return n
}

// Update replaces the record with the same AttemptID. Confirmed records are
// final.
func (l *Ledger) Update(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.records {
		if l.records[i].AttemptID != rec.AttemptID {
			continue
		}
		if l.records[i].IsConfirmed() {
			return fmt.Errorf("update %s attempt %d: %w", rec.StepName, rec.Attempt, ErrRecordFinal)
		}
		l.records[i] = rec.clone()
		return nil
	}
	return fmt.Errorf("update attempt %s: %w", rec.AttemptID, ErrNotFound)
}

// Get returns the latest record for step.
func (l *Ledger) Get(step string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].StepName == step {
			return l.records[i].clone(), true
		}
	}
	return Record{}, false
}

// Confirmed returns the confirmed record for step, if any.
func (l *Ledger) Confirmed(step string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].StepName == step && l.records[i].IsConfirmed() {
			return l.records[i].clone(), true
		}
	}
	return Record{}, false
}

// Records returns every record for step in attempt order.
func (l *Ledger) Records(step string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.records {
		if r.StepName == step {
			out = append(out, r.clone())
		}
	}
	return out
}

// Metadata returns a copy of the run metadata.
func (l *Ledger) Metadata() Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.clone()
}

// UpdateMetadata applies fn to the run metadata under the ledger lock.
func (l *Ledger) UpdateMetadata(fn func(*Metadata)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.meta)
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Metadata: l.meta.clone(),
		Records:  make([]Record, len(l.records)),
	}
	for i, r := range l.records {
		snap.Records[i] = r.clone()
	}
	return snap
}

// Paths returns the files written by the ledger's file sinks.
func (l *Ledger) Paths() []string {
	var paths []string
	for _, s := range l.sinks {
		if fs, ok := s.(FileSink); ok {
			paths = append(paths, fs.Path())
		}
	}
	return paths
}

// Flush writes the current snapshot to every sink and mirror. Errors from
// sinks are joined and returned; mirror errors are only logged. Each mirror
// write is cut off after the mirror timeout.
func (l *Ledger) Flush(ctx context.Context) error {
	snap := l.Snapshot()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, snap); err != nil {
			metrics.LedgerFlushErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("write %s: %w", s.Name(), err))
		}
	}
	for _, m := range l.mirrors {
		mctx, cancel := context.WithTimeout(ctx, l.mirrorTimeout)
		err := m.Write(mctx, snap)
		cancel()
		if err != nil {
			metrics.LedgerFlushErrorsTotal.WithLabelValues(m.Name()).Inc()
			l.logger.Warn("ledger mirror write failed",
				slog.String("sink", m.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return errors.Join(errs...)
}
