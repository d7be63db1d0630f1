// Command simulate measures localisation accuracy against synthetic
// gunshots, either in-process or against a running gunshot-server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/gunshot.report/internal/config"
	"github.com/banshee-data/gunshot.report/internal/simulate"
)

var (
	simulations = flag.Int("n", 100, "Number of scenarios to run")
	clients     = flag.Int("clients", 8, "Phones per scenario")
	timestampMs = flag.Int64("timestamp", 100, "Max clock error in milliseconds")
	gpsError    = flag.Float64("gps", 15, "Max GPS error in metres")
	maxShots    = flag.Int("shots", 8, "Max shots per scenario")
	localCity   = flag.Bool("local-city", false, "Restrict sources to a city-sized box")
	serverURL   = flag.String("server", "", "Base URL of a running server; in-process when empty")
	configPath  = flag.String("config", "", "Tuning JSON for the in-process engine")
	output      = flag.String("output", "", "CSV file to append per-scenario results to")
	histogram   = flag.String("histogram", "", "PNG file for an error histogram")
	seed        = flag.Int64("seed", 0, "Random seed (time-based when 0)")
)

func main() {
	flag.Parse()

	cfg := simulate.DefaultConfig()
	cfg.Clients = *clients
	cfg.MaxTimestampErrorMs = *timestampMs
	cfg.MaxPositionError = *gpsError
	cfg.MaxShots = *maxShots
	if *localCity {
		cfg.Box = simulate.LocalCity
	}

	target, err := buildTarget()
	if err != nil {
		log.Fatalf("Failed to set up target: %v", err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	log.Printf("seed %d", *seed)
	rng := rand.New(rand.NewSource(*seed))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := simulate.Run(ctx, cfg, target, rng, *simulations, func() int64 {
		return time.Now().UnixMilli()
	})
	if err != nil {
		log.Printf("run stopped after %d scenarios: %v", len(results), err)
	}
	fmt.Println(simulate.Summarize(results))

	if *output != "" {
		if err := appendCSV(*output, results); err != nil {
			log.Fatalf("Failed to write %s: %v", *output, err)
		}
	}
	if *histogram != "" {
		if err := simulate.SaveHistogram(results, 0, *histogram); err != nil {
			log.Fatalf("Failed to plot: %v", err)
		}
	}
}

func buildTarget() (simulate.Target, error) {
	if *serverURL != "" {
		return simulate.NewRemote(*serverURL, nil), nil
	}
	tuning := &config.Config{}
	if *configPath != "" {
		var err error
		if tuning, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	return simulate.NewLocal(tuning.Engine(), tuning.Solver()), nil
}

// appendCSV appends to path, writing the header only to a new file.
func appendCSV(path string, results []simulate.Result) error {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := simulate.WriteCSV(f, results, os.IsNotExist(statErr)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
