package simulate

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// Summary aggregates the errors of the located scenarios.
type Summary struct {
	Runs    int
	Located int
	Mean    float64
	Median  float64
	P90     float64
	Max     float64
}

// Errors returns the errors of the located scenarios, sorted ascending.
func Errors(results []Result) []float64 {
	errs := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Located {
			errs = append(errs, r.ErrorM)
		}
	}
	sort.Float64s(errs)
	return errs
}

// Summarize computes the summary statistics.
func Summarize(results []Result) Summary {
	errs := Errors(results)
	s := Summary{Runs: len(results), Located: len(errs)}
	if len(errs) == 0 {
		return s
	}
	s.Mean = stat.Mean(errs, nil)
	s.Median = stat.Quantile(0.5, stat.Empirical, errs, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, errs, nil)
	s.Max = errs[len(errs)-1]
	return s
}

func (s Summary) String() string {
	if s.Located == 0 {
		return fmt.Sprintf("%d runs, none located", s.Runs)
	}
	return fmt.Sprintf("%d/%d located: mean %.1f m, median %.1f m, p90 %.1f m, max %.1f m",
		s.Located, s.Runs, s.Mean, s.Median, s.P90, s.Max)
}

// WriteCSV writes one row per scenario: clients, sightings, located and
// the error in metres (empty when not located).
func WriteCSV(w io.Writer, results []Result, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write([]string{"clients", "sightings", "located", "error_m"}); err != nil {
			return err
		}
	}
	for _, r := range results {
		errM := ""
		if r.Located {
			errM = strconv.FormatFloat(r.ErrorM, 'f', 3, 64)
		}
		if err := cw.Write([]string{
			strconv.Itoa(len(r.Scenario.Phones)),
			strconv.Itoa(len(r.Scenario.Sightings)),
			strconv.FormatBool(r.Located),
			errM,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
