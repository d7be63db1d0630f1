package simulate

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gunshot.report/internal/client"
	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

// Local runs each scenario through a fresh in-process engine.
type Local struct {
	Engine gunshot.Config
	Solver *tdoa.Solver
}

// NewLocal returns a Local target with the given engine and solver
// settings.
func NewLocal(engine gunshot.Config, solver tdoa.Config) *Local {
	return &Local{Engine: engine, Solver: tdoa.NewSolver(solver)}
}

// Locate files every sighting and returns the position of the event with
// the most clients.
func (l *Local) Locate(ctx context.Context, s Scenario) (*geo.Position, error) {
	store := gunshot.NewMemoryStore()
	engine := gunshot.NewEngine(l.Engine, store, l.Solver, nil)
	for _, sg := range s.Sightings {
		sr, err := store.AddReport(ctx, gunshot.Report{
			Position:    sg.Position,
			TimestampMs: sg.TimestampMs,
			WeaponType:  sg.Weapon,
			ClientID:    fmt.Sprintf("phone-%d", sg.Phone),
		})
		if err != nil {
			return nil, err
		}
		if _, err := engine.Process(ctx, sr); err != nil {
			return nil, err
		}
	}

	var best *gunshot.Snapshot
	events := engine.Events()
	for i := range events {
		if best == nil || len(events[i].Clients) > len(best.Clients) {
			best = &events[i]
		}
	}
	if len(events) > 1 {
		logf("sightings split over %d events", len(events))
	}
	if best == nil || best.Position == nil {
		return nil, nil
	}
	return best.Position, nil
}

// Remote drives a running server: one registered client per phone, each
// shot's reports posted concurrently.
type Remote struct {
	BaseURL string
	HTTP    client.Doer
	// WindowMs is how far either side of the scenario start to look for
	// the solved gunshot.
	WindowMs int64
}

// NewRemote returns a Remote target for the server at baseURL.
func NewRemote(baseURL string, doer client.Doer) *Remote {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Remote{BaseURL: baseURL, HTTP: doer, WindowMs: 5000}
}

// Locate posts the scenario and reads back the gunshot the server filed
// most of its reports under. A gunshot that is missing from the time
// window, or was never solved, is a miss.
func (r *Remote) Locate(ctx context.Context, s Scenario) (*geo.Position, error) {
	phones := make([]*client.Client, len(s.Phones))
	for i := range phones {
		phones[i] = client.New(r.BaseURL, r.HTTP)
		if err := phones[i].Register(ctx); err != nil {
			return nil, err
		}
	}

	var (
		mu    sync.Mutex
		votes = map[int64]int{}
	)
	for _, shot := range groupByShot(s) {
		g, gctx := errgroup.WithContext(ctx)
		for _, sg := range shot {
			sg := sg
			g.Go(func() error {
				rep, err := phones[sg.Phone].PostReport(gctx, sg.Position, sg.TimestampMs, sg.Weapon)
				if err != nil {
					return err
				}
				mu.Lock()
				votes[rep.GunshotID]++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var id int64
	for gid, n := range votes {
		if gid != 0 && (id == 0 || n > votes[id]) {
			id = gid
		}
	}
	if len(votes) > 1 {
		logf("reports split over %d gunshots", len(votes))
	}

	shots, err := phones[0].Gunshots(ctx, s.StartMs-r.WindowMs, s.StartMs+r.WindowMs)
	if err != nil {
		return nil, err
	}
	for _, g := range shots {
		if g.ID == id {
			return g.Position, nil
		}
	}
	logf("could not find gunshot %d", id)
	return nil, nil
}

// groupByShot splits the sightings into one slice per shot.
func groupByShot(s Scenario) [][]Sighting {
	var out [][]Sighting
	for _, sg := range s.Sightings {
		for len(out) <= sg.Shot {
			out = append(out, nil)
		}
		out[sg.Shot] = append(out[sg.Shot], sg)
	}
	return out
}
