package simulate

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveHistogram renders the located errors as a PNG (or any format
// gonum/plot infers from the extension).
func SaveHistogram(results []Result, bins int, path string) error {
	errs := Errors(results)
	if len(errs) == 0 {
		return errors.New("no located scenarios to plot")
	}
	if bins <= 0 {
		bins = 40
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Localisation error (%s)", Summarize(results))
	p.X.Label.Text = "error (m)"
	p.Y.Label.Text = "scenarios"

	h, err := plotter.NewHist(plotter.Values(errs), bins)
	if err != nil {
		return fmt.Errorf("build histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
