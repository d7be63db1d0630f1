// Package ingest persists inbound reports and hands them to the clustering
// engine.
//
// Reports that arrive within CoalescingWindow of the previous request are
// group-committed: the first caller of a burst opens a batch and schedules
// a flush FlushDelay later, later callers join it, and the flush writes the
// whole batch in one storage call before releasing every caller at once.
// A request that arrives outside the window is written on its own.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
	"github.com/banshee-data/gunshot.report/internal/timeutil"
)

var logf = monitoring.Component("batcher")

// ErrResultMissing is returned to a caller whose report was flushed but
// whose result could not be found afterwards.
var ErrResultMissing = errors.New("batched report result missing")

// ReportStore persists reports. AddReports must return results in input
// order.
type ReportStore interface {
	AddReport(ctx context.Context, r gunshot.Report) (gunshot.StoredReport, error)
	AddReports(ctx context.Context, batch []gunshot.Report) ([]gunshot.StoredReport, error)
}

// Config tunes the batcher.
type Config struct {
	// CoalescingWindow is how soon after the previous request completed a
	// new one must arrive to be batched.
	CoalescingWindow time.Duration
	// FlushDelay is how long a batch stays open after its first report.
	FlushDelay time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		CoalescingWindow: 500 * time.Millisecond,
		FlushDelay:       100 * time.Millisecond,
	}
}

// Stats counts storage writes since the batcher started.
type Stats struct {
	Individual int64 // single-report writes
	Batches    int64 // bulk writes
	Batched    int64 // reports written by bulk writes
}

// Batcher coalesces bursts of reports into bulk writes. It is safe for
// concurrent use.
type Batcher struct {
	cfg   Config
	store ReportStore
	clock timeutil.Clock

	mu          sync.Mutex
	lastRequest time.Time
	pending     *batch

	individual atomic.Int64
	batches    atomic.Int64
	batched    atomic.Int64
}

// batch is one burst. reports is append-only until the flush detaches the
// batch from the Batcher; results is filled before done is closed.
type batch struct {
	reports []gunshot.Report
	done    chan struct{}

	mu      sync.Mutex
	results map[int]gunshot.StoredReport
	err     error
}

// NewBatcher returns a Batcher. A nil clock uses the wall clock.
func NewBatcher(cfg Config, store ReportStore, clock timeutil.Clock) *Batcher {
	def := DefaultConfig()
	if cfg.CoalescingWindow <= 0 {
		cfg.CoalescingWindow = def.CoalescingWindow
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Batcher{cfg: cfg, store: store, clock: clock}
}

// Handle persists r, batching it with concurrent reports when a burst is
// in progress. Waiting for a batch is not cancellable: the flush always
// runs and always releases its callers.
func (b *Batcher) Handle(ctx context.Context, r gunshot.Report) (gunshot.StoredReport, error) {
	b.mu.Lock()
	now := b.clock.Now()
	cur := b.pending
	if cur == nil {
		if b.lastRequest.IsZero() || now.Sub(b.lastRequest) > b.cfg.CoalescingWindow {
			b.mu.Unlock()
			return b.single(ctx, r)
		}
		cur = &batch{done: make(chan struct{})}
		b.pending = cur
		b.clock.AfterFunc(b.cfg.FlushDelay, func() { b.flush(cur) })
	}
	ticket := len(cur.reports)
	cur.reports = append(cur.reports, r)
	b.mu.Unlock()

	<-cur.done
	defer b.touch()
	return cur.take(ticket)
}

// Pending returns the number of reports waiting in the open batch.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return 0
	}
	return len(b.pending.reports)
}

// Stats returns the write counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Individual: b.individual.Load(),
		Batches:    b.batches.Load(),
		Batched:    b.batched.Load(),
	}
}

func (b *Batcher) single(ctx context.Context, r gunshot.Report) (gunshot.StoredReport, error) {
	defer b.touch()
	b.individual.Add(1)
	sr, err := b.store.AddReport(ctx, r)
	if err != nil {
		return gunshot.StoredReport{}, fmt.Errorf("store report: %w", err)
	}
	return sr, nil
}

// touch records the completion time of a request.
func (b *Batcher) touch() {
	now := b.clock.Now()
	b.mu.Lock()
	if now.After(b.lastRequest) {
		b.lastRequest = now
	}
	b.mu.Unlock()
}

// flush detaches cur, writes it and releases its callers.
func (b *Batcher) flush(cur *batch) {
	b.mu.Lock()
	if b.pending == cur {
		b.pending = nil
	}
	reports := cur.reports
	b.mu.Unlock()

	b.batches.Add(1)
	b.batched.Add(int64(len(reports)))

	stored, err := b.store.AddReports(context.Background(), reports)

	cur.mu.Lock()
	cur.results = make(map[int]gunshot.StoredReport, len(stored))
	if err != nil {
		cur.err = fmt.Errorf("store batch of %d reports: %w", len(reports), err)
		logf("flush failed: %v", err)
	} else {
		for i, sr := range stored {
			cur.results[i] = sr
		}
		if len(stored) != len(reports) {
			logf("flush stored %d of %d reports", len(stored), len(reports))
		}
	}
	cur.mu.Unlock()
	close(cur.done)
}

// take removes and returns the result for ticket.
func (cur *batch) take(ticket int) (gunshot.StoredReport, error) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.err != nil {
		return gunshot.StoredReport{}, cur.err
	}
	sr, ok := cur.results[ticket]
	if !ok {
		return gunshot.StoredReport{}, fmt.Errorf("%w: position %d of %d",
			ErrResultMissing, ticket, len(cur.reports))
	}
	delete(cur.results, ticket)
	return sr, nil
}
