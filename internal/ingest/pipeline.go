package ingest

import (
	"context"
	"fmt"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

// Processor files stored reports into events. *gunshot.Engine implements it.
type Processor interface {
	Process(ctx context.Context, r gunshot.StoredReport) (gunshot.Outcome, error)
}

// Pipeline validates, persists and correlates reports.
type Pipeline struct {
	batcher *Batcher
	engine  Processor
}

// NewPipeline joins a batcher to an engine.
func NewPipeline(b *Batcher, engine Processor) *Pipeline {
	return &Pipeline{batcher: b, engine: engine}
}

// Submit validates r, stores it and files it into an event. A storage
// failure after the report was stored still returns the stored report.
func (p *Pipeline) Submit(ctx context.Context, r gunshot.Report) (gunshot.StoredReport, gunshot.Outcome, error) {
	if err := r.Validate(); err != nil {
		return gunshot.StoredReport{}, gunshot.Outcome{}, err
	}
	sr, err := p.batcher.Handle(ctx, r)
	if err != nil {
		return gunshot.StoredReport{}, gunshot.Outcome{}, err
	}
	out, err := p.engine.Process(ctx, sr)
	if err != nil {
		return sr, out, fmt.Errorf("process report %d: %w", sr.ID, err)
	}
	return sr, out, nil
}

// Batcher returns the pipeline's batcher.
func (p *Pipeline) Batcher() *Batcher { return p.batcher }
