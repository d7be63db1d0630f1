package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

// parseLine reads "lat lon alt timestamp weapon client". Extra fields are
// ignored.
func parseLine(line string) (gunshot.Report, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return gunshot.Report{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}
	var coords [3]float64
	for i := range coords {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return gunshot.Report{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		coords[i] = v
	}
	ts, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return gunshot.Report{}, fmt.Errorf("timestamp: %w", err)
	}
	r := gunshot.Report{
		Position:    geo.Position{Latitude: coords[0], Longitude: coords[1], Altitude: coords[2]},
		TimestampMs: ts,
		WeaponType:  fields[4],
		ClientID:    fields[5],
	}
	return r, r.Validate()
}

// replayer feeds a report stream through an engine, retiring each event
// once the stream has moved past it.
type replayer struct {
	cfg    gunshot.Config
	store  *gunshot.MemoryStore
	engine *gunshot.Engine
	out    io.Writer
}

func newReplayer(cfg gunshot.Config, locator gunshot.Locator, out io.Writer) *replayer {
	store := gunshot.NewMemoryStore()
	engine := gunshot.NewEngine(cfg, store, locator, nil)
	return &replayer{cfg: engine.Config(), store: store, engine: engine, out: out}
}

// run replays one file. Blank lines and lines starting with # are
// skipped; malformed lines are reported and skipped.
func (rp *replayer) run(ctx context.Context, in io.Reader) error {
	maxAge := time.Duration(rp.cfg.MaxTimeDiffMs() * float64(time.Millisecond))
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(rp.out, "line %d: %v\n", lineNo, err)
			continue
		}
		for _, s := range rp.engine.PruneOlderThan(r.TimestampMs, maxAge) {
			rp.summarize(s)
		}
		sr, err := rp.store.AddReport(ctx, r)
		if err != nil {
			return err
		}
		if _, err := rp.engine.Process(ctx, sr); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		fmt.Fprintln(rp.out, r)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	rp.flush()
	return nil
}

// flush retires every remaining event.
func (rp *replayer) flush() {
	for _, s := range rp.engine.PruneOlderThan(math.MaxInt64, 0) {
		rp.summarize(s)
	}
}

func (rp *replayer) summarize(s gunshot.Snapshot) {
	fmt.Fprintf(rp.out, "\t%d %s gunshot(s) heard by %d clients at time: %d\n",
		s.ShotsFired, s.WeaponType, len(s.Clients), s.TimestampFirstReport)
	switch {
	case len(s.Clients) < rp.cfg.MinClients:
		fmt.Fprintln(rp.out, "\tPosition not able to be pinpointed due to too few reports")
	case s.Position == nil || s.EstimatedTimestampMs == nil:
		fmt.Fprintln(rp.out, "\tPosition could not be determined")
	default:
		fmt.Fprintf(rp.out, "\tApproximate position: %s timestamp: %d\n", *s.Position, *s.EstimatedTimestampMs)
	}
}
