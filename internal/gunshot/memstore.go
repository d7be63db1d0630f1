package gunshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownEvent = errors.New("unknown gunshot event")

// MemoryStore is an in-process EventStore and report store. The replay
// and simulation tools use it in place of the database.
type MemoryStore struct {
	mu           sync.Mutex
	nextReportID int64
	reports      map[int64]StoredReport
	events       map[int64]*StoredEvent
}

// StoredEvent is the MemoryStore's copy of a gunshot record.
type StoredEvent struct {
	GunshotRecord
	Temporary bool
	ReportIDs []int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[int64]StoredReport),
		events:  make(map[int64]*StoredEvent),
	}
}

// AddReport stores one report.
func (m *MemoryStore) AddReport(_ context.Context, r Report) (StoredReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addReportLocked(r), nil
}

// AddReports stores a batch, preserving order.
func (m *MemoryStore) AddReports(_ context.Context, batch []Report) ([]StoredReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredReport, len(batch))
	for i, r := range batch {
		out[i] = m.addReportLocked(r)
	}
	return out, nil
}

func (m *MemoryStore) addReportLocked(r Report) StoredReport {
	m.nextReportID++
	sr := StoredReport{ID: m.nextReportID, Report: r}
	m.reports[sr.ID] = sr
	return sr
}

func (m *MemoryStore) AddGunshotEvent(_ context.Context, rec GunshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[rec.EventID]
	if !ok {
		ev = &StoredEvent{}
		m.events[rec.EventID] = ev
	}
	ids := ev.ReportIDs
	ev.GunshotRecord = rec
	ev.Temporary = false
	ev.ReportIDs = appendUnique(ids, rec.ReportID)
	return nil
}

func (m *MemoryStore) AddTemporaryGunshotEvent(_ context.Context, eventID, reportID int64, weaponType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return fmt.Errorf("event %d already exists", eventID)
	}
	m.events[eventID] = &StoredEvent{
		GunshotRecord: GunshotRecord{EventID: eventID, ReportID: reportID, WeaponType: weaponType},
		Temporary:     true,
		ReportIDs:     []int64{reportID},
	}
	return nil
}

func (m *MemoryStore) AddReportAssociation(_ context.Context, eventID, reportID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, eventID)
	}
	ev.ReportIDs = appendUnique(ev.ReportIDs, reportID)
	return nil
}

func (m *MemoryStore) UpdateGunshotEvent(_ context.Context, rec GunshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[rec.EventID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, rec.EventID)
	}
	ids := ev.ReportIDs
	ev.GunshotRecord = rec
	if rec.ReportID != 0 {
		ids = appendUnique(ids, rec.ReportID)
	}
	ev.ReportIDs = ids
	return nil
}

func (m *MemoryStore) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	for id := range m.events {
		latest = max(latest, id)
	}
	return latest, nil
}

// Event returns a copy of the stored event.
func (m *MemoryStore) Event(id int64) (StoredEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return StoredEvent{}, false
	}
	cp := *ev
	cp.ReportIDs = append([]int64(nil), ev.ReportIDs...)
	return cp, true
}

// EventIDs returns all stored event ids in ascending order.
func (m *MemoryStore) EventIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReportCount returns the number of stored reports.
func (m *MemoryStore) ReportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
