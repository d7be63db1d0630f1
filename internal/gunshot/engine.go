// Package gunshot correlates gunshot reports from independent clients into
// events and keeps each event's estimated origin up to date.
//
// Every report passes through Engine.Process, which under a single lock
// scans the live events, files the report into at most one of them (or
// starts a new one), re-solves the origin when a new client joins, and
// issues the matching storage writes. Two reports never interleave inside
// that sequence, so an event is confirmed exactly once.
package gunshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

var logf = monitoring.Component("engine")

// GunshotRecord is the persisted form of an event. Position and
// TimestampMs are nil while the origin is unknown.
type GunshotRecord struct {
	EventID int64
	// ReportID is the report whose arrival triggered the write; storage
	// associates it with the event in the same transaction.
	ReportID    int64
	TimestampMs *int64
	Position    *geo.Position
	WeaponType  string
	ShotsFired  int
}

// EventStore is the persistence the engine needs. Every call may fail;
// failures are returned to the caller and never retried here.
type EventStore interface {
	// AddGunshotEvent turns the event's placeholder into a permanent
	// record and associates rec.ReportID with it.
	AddGunshotEvent(ctx context.Context, rec GunshotRecord) error
	// AddTemporaryGunshotEvent writes a placeholder so later associations
	// have a record to reference.
	AddTemporaryGunshotEvent(ctx context.Context, eventID, reportID int64, weaponType string) error
	AddReportAssociation(ctx context.Context, eventID, reportID int64) error
	// UpdateGunshotEvent rewrites the estimate and, when rec.ReportID is
	// set, associates that report in the same transaction.
	UpdateGunshotEvent(ctx context.Context, rec GunshotRecord) error
	LatestEventID(ctx context.Context) (int64, error)
}

// Notifier receives confirmed and refined events. Delivery is
// fire-and-forget: Notify must not block and gets no acknowledgement.
type Notifier interface {
	Notify(Snapshot)
}

// Locator estimates an emission position and time. *tdoa.Solver
// implements it.
type Locator interface {
	Solve(positions []geo.Position, timestampsMs []int64) (*tdoa.Estimate, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(positions []geo.Position, timestampsMs []int64) (*tdoa.Estimate, error)

func (f LocatorFunc) Solve(positions []geo.Position, timestampsMs []int64) (*tdoa.Estimate, error) {
	return f(positions, timestampsMs)
}

// Action says what Process did with a report.
type Action string

const (
	// ActionCreated started a new forming event.
	ActionCreated Action = "created"
	// ActionFollowUp filed a repeat shot from a client already in the event.
	ActionFollowUp Action = "follow_up"
	// ActionAssociated added a new client to an event still forming.
	ActionAssociated Action = "associated"
	// ActionConfirmed wrote the event's permanent record.
	ActionConfirmed Action = "confirmed"
	// ActionRefined re-solved and updated a confirmed event.
	ActionRefined Action = "refined"
)

// Outcome is the result of processing one report.
type Outcome struct {
	Action Action
	Event  Snapshot
}

// Config holds the correlation thresholds.
type Config struct {
	// MinClients is the number of distinct clients needed before an
	// origin is solved and a permanent record is written.
	MinClients int
	// MaxDistance is the farthest (metres) a gunshot is assumed audible.
	MaxDistance float64
	// EventTTL retires events whose latest report is older than this.
	EventTTL time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinClients:  3,
		MaxDistance: 1000,
		EventTTL:    time.Minute,
	}
}

// MaxTimeDiffMs is the longest the sound of one shot can take to cross
// MaxDistance, in milliseconds.
func (c Config) MaxTimeDiffMs() float64 {
	return c.MaxDistance / tdoa.SpeedOfSound
}

// Engine owns the live event set.
type Engine struct {
	cfg      Config
	store    EventStore
	locator  Locator
	notifier Notifier

	mu     sync.Mutex
	events []*Event // creation order
	lastID int64
}

// NewEngine wires an engine. notifier may be nil.
func NewEngine(cfg Config, store EventStore, locator Locator, notifier Notifier) *Engine {
	def := DefaultConfig()
	if cfg.MinClients <= 0 {
		cfg.MinClients = def.MinClients
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = def.MaxDistance
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = def.EventTTL
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		locator:  locator,
		notifier: notifier,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Process files a stored report into an event and persists the result.
// Calls are serialised; the notifier runs after the lock is released.
func (e *Engine) Process(ctx context.Context, r StoredReport) (Outcome, error) {
	e.mu.Lock()
	out, err := e.dispatchLocked(ctx, r)
	e.mu.Unlock()
	if err != nil {
		return out, err
	}

	if e.notifier != nil && (out.Action == ActionConfirmed || out.Action == ActionRefined) {
		e.notifier.Notify(out.Event)
	}
	return out, nil
}

func (e *Engine) dispatchLocked(ctx context.Context, r StoredReport) (Outcome, error) {
	maxTime := e.cfg.MaxTimeDiffMs()

	var sameClient, newClient *Event
	for _, ev := range e.events {
		if !ev.fits(r.Report, e.cfg.MaxDistance, maxTime) {
			continue
		}
		if ev.hasClient(r.ClientID) {
			sameClient = ev
			break
		}
		if newClient == nil {
			newClient = ev
		}
	}

	switch {
	case sameClient != nil:
		return e.followUpLocked(ctx, sameClient, r)
	case newClient != nil:
		return e.joinLocked(ctx, newClient, r)
	default:
		return e.createLocked(ctx, r)
	}
}

// followUpLocked files a repeat shot from a known client. The origin only
// depends on each client's first report, so nothing is re-solved.
func (e *Engine) followUpLocked(ctx context.Context, ev *Event, r StoredReport) (Outcome, error) {
	ev.add(r)
	out := Outcome{Action: ActionFollowUp, Event: ev.snapshot(e.cfg.MinClients)}
	if err := e.store.AddReportAssociation(ctx, ev.id, r.ID); err != nil {
		return out, fmt.Errorf("associate report %d with event %d: %w", r.ID, ev.id, err)
	}
	return out, nil
}

// joinLocked adds a new client to ev and moves it through the
// forming -> confirmed -> refining states.
func (e *Engine) joinLocked(ctx context.Context, ev *Event, r StoredReport) (Outcome, error) {
	ev.add(r)
	clients := len(ev.clients)

	if clients < e.cfg.MinClients {
		out := Outcome{Action: ActionAssociated, Event: ev.snapshot(e.cfg.MinClients)}
		if err := e.store.AddReportAssociation(ctx, ev.id, r.ID); err != nil {
			return out, fmt.Errorf("associate report %d with event %d: %w", r.ID, ev.id, err)
		}
		return out, nil
	}

	if err := e.solveLocked(ev); err != nil {
		return Outcome{Action: ActionAssociated, Event: ev.snapshot(e.cfg.MinClients)}, err
	}
	rec := ev.record(r.ID)

	// A confirmation whose write failed is retried by the next client.
	if !ev.confirmed {
		out := Outcome{Action: ActionConfirmed, Event: ev.snapshot(e.cfg.MinClients)}
		if err := e.store.AddGunshotEvent(ctx, rec); err != nil {
			return out, fmt.Errorf("confirm event %d: %w", ev.id, err)
		}
		ev.confirmed = true
		logf("event %d confirmed by %d clients (%s), origin %s",
			ev.id, clients, ev.weaponType, describe(ev.estimate))
		return out, nil
	}

	out := Outcome{Action: ActionRefined, Event: ev.snapshot(e.cfg.MinClients)}
	if err := e.store.UpdateGunshotEvent(ctx, rec); err != nil {
		return out, fmt.Errorf("refine event %d: %w", ev.id, err)
	}
	return out, nil
}

// createLocked starts a forming event and writes its placeholder record.
func (e *Engine) createLocked(ctx context.Context, r StoredReport) (Outcome, error) {
	latest, err := e.store.LatestEventID(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("latest event id: %w", err)
	}
	id := max(latest, e.lastID) + 1
	e.lastID = id

	ev := newEvent(id, r)
	e.events = append(e.events, ev)
	out := Outcome{Action: ActionCreated, Event: ev.snapshot(e.cfg.MinClients)}
	if err := e.store.AddTemporaryGunshotEvent(ctx, id, r.ID, r.WeaponType); err != nil {
		return out, fmt.Errorf("create event %d: %w", id, err)
	}
	return out, nil
}

// solveLocked re-estimates the origin from each client's first report. An
// indeterminate solve clears the estimate.
func (e *Engine) solveLocked(ev *Event) error {
	first := ev.firstReports()
	positions := make([]geo.Position, len(first))
	timestamps := make([]int64, len(first))
	for i, r := range first {
		positions[i] = r.Position
		timestamps[i] = r.TimestampMs
	}
	est, err := e.locator.Solve(positions, timestamps)
	if err != nil {
		return fmt.Errorf("solve event %d: %w", ev.id, err)
	}
	ev.estimate = est
	return nil
}

func (ev *Event) record(reportID int64) GunshotRecord {
	rec := GunshotRecord{
		EventID:    ev.id,
		ReportID:   reportID,
		WeaponType: ev.weaponType,
		ShotsFired: ev.totalFirings(),
	}
	if ev.estimate != nil {
		pos := ev.estimate.Position
		ts := ev.estimate.TimestampMs
		rec.Position = &pos
		rec.TimestampMs = &ts
	}
	return rec
}

// Prune retires events whose latest report is more than EventTTL older
// than nowMs (report clock) and returns them.
func (e *Engine) Prune(nowMs int64) []Snapshot {
	return e.PruneOlderThan(nowMs, e.cfg.EventTTL)
}

// PruneOlderThan retires events whose latest report is more than age
// older than nowMs.
func (e *Engine) PruneOlderThan(nowMs int64, age time.Duration) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := float64(age.Milliseconds())
	var retired []Snapshot
	kept := e.events[:0]
	for _, ev := range e.events {
		if float64(nowMs-ev.timestampLatestReport) > cutoff {
			retired = append(retired, ev.snapshot(e.cfg.MinClients))
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(e.events); i++ {
		e.events[i] = nil
	}
	e.events = kept
	if len(retired) > 0 {
		logf("retired %d events, %d live", len(retired), len(e.events))
	}
	return retired
}

// Events returns snapshots of the live events in creation order.
func (e *Engine) Events() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.snapshot(e.cfg.MinClients)
	}
	return out
}

// Len returns the number of live events.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// RunPruner retires stale events every interval until ctx is cancelled,
// using now() as the report clock.
func (e *Engine) RunPruner(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Prune(now().UnixMilli())
		}
	}
}

func describe(est *tdoa.Estimate) string {
	if est == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s at %d", est.Position, est.TimestampMs)
}
