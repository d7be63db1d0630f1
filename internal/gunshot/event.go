package gunshot

import (
	"math"
	"sort"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

// State is the lifecycle state of an event.
type State string

const (
	StateForming   State = "forming"   // fewer clients than the confirmation threshold
	StateConfirmed State = "confirmed" // exactly at the threshold, permanent record written
	StateRefining  State = "refining"  // beyond the threshold, re-solved on each new client
)

// Event groups the reports believed to describe one discharge. It is owned
// by an Engine and only touched under the engine's lock.
type Event struct {
	id         int64
	weaponType string
	reports    []StoredReport
	// reports filed per client; the key set is the event's client set
	clients               map[string]int
	timestampFirstReport  int64
	timestampLatestReport int64
	estimate              *tdoa.Estimate
	confirmed             bool
}

func newEvent(id int64, first StoredReport) *Event {
	return &Event{
		id:                    id,
		weaponType:            first.WeaponType,
		reports:               []StoredReport{first},
		clients:               map[string]int{first.ClientID: 1},
		timestampFirstReport:  first.TimestampMs,
		timestampLatestReport: first.TimestampMs,
	}
}

// hasClient reports whether the client already filed into this event.
func (e *Event) hasClient(clientID string) bool {
	_, ok := e.clients[clientID]
	return ok
}

// fits reports whether r could describe the same discharge: same weapon
// type, within 2*maxDistance of every member report, and within maxTimeDiff
// of at least one of them.
func (e *Event) fits(r Report, maxDistance, maxTimeDiffMs float64) bool {
	if r.WeaponType != e.weaponType {
		return false
	}
	for _, member := range e.reports {
		if geo.Distance(r.Position, member.Position) > 2*maxDistance {
			return false
		}
	}
	for _, member := range e.reports {
		if math.Abs(float64(r.TimestampMs-member.TimestampMs)) <= maxTimeDiffMs {
			return true
		}
	}
	return false
}

// add appends r and widens the timestamp bounds.
func (e *Event) add(r StoredReport) {
	e.reports = append(e.reports, r)
	e.clients[r.ClientID]++
	if r.TimestampMs < e.timestampFirstReport {
		e.timestampFirstReport = r.TimestampMs
	}
	if r.TimestampMs > e.timestampLatestReport {
		e.timestampLatestReport = r.TimestampMs
	}
}

// firstReports returns each client's earliest report. Later reports from a
// client are follow-up shots and would corrupt the solve.
func (e *Event) firstReports() []StoredReport {
	sorted := make([]StoredReport, len(e.reports))
	copy(sorted, e.reports)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	seen := make(map[string]bool, len(e.clients))
	first := make([]StoredReport, 0, len(e.clients))
	for _, r := range sorted {
		if seen[r.ClientID] {
			continue
		}
		seen[r.ClientID] = true
		first = append(first, r)
	}
	return first
}

// totalFirings estimates shots fired as the most reports any one client
// filed into the event.
func (e *Event) totalFirings() int {
	most := 0
	for _, n := range e.clients {
		if n > most {
			most = n
		}
	}
	return most
}

func (e *Event) state(minClients int) State {
	switch n := len(e.clients); {
	case n < minClients:
		return StateForming
	case n == minClients:
		return StateConfirmed
	default:
		return StateRefining
	}
}

// Snapshot is an immutable copy of an event, safe to hand outside the
// engine's lock.
type Snapshot struct {
	ID                    int64          `json:"gunshot_id"`
	State                 State          `json:"state"`
	WeaponType            string         `json:"weapon_type"`
	Reports               []StoredReport `json:"reports"`
	Clients               []string       `json:"clients"`
	TimestampFirstReport  int64          `json:"timestamp_first_report"`
	TimestampLatestReport int64          `json:"timestamp_latest_report"`
	Position              *geo.Position  `json:"position,omitempty"`
	EstimatedTimestampMs  *int64         `json:"estimated_timestamp,omitempty"`
	ShotsFired            int            `json:"shots_fired"`
}

func (e *Event) snapshot(minClients int) Snapshot {
	reports := make([]StoredReport, len(e.reports))
	copy(reports, e.reports)
	clients := make([]string, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	s := Snapshot{
		ID:                    e.id,
		State:                 e.state(minClients),
		WeaponType:            e.weaponType,
		Reports:               reports,
		Clients:               clients,
		TimestampFirstReport:  e.timestampFirstReport,
		TimestampLatestReport: e.timestampLatestReport,
		ShotsFired:            e.totalFirings(),
	}
	if e.estimate != nil {
		pos := e.estimate.Position
		ts := e.estimate.TimestampMs
		s.Position = &pos
		s.EstimatedTimestampMs = &ts
	}
	return s
}
