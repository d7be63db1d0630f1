// Command replay runs recorded report files through the correlation
// engine offline and prints what it concludes about each event.
//
//	replay [-config tuning.json] <file|directory>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/gunshot.report/internal/config"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
)

var (
	configPath = flag.String("config", "", "Tuning JSON file (built-in defaults when empty)")
	verbose    = flag.Bool("v", false, "Log engine decisions")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "No test files specified.")
		flag.Usage()
		os.Exit(2)
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	}

	tuning := &config.Config{}
	if *configPath != "" {
		var err error
		if tuning, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	files, err := inputFiles(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	solver := tdoa.NewSolver(tuning.Solver())
	for _, path := range files {
		fmt.Println("--- " + path)
		if err := replayFile(path, newReplayer(tuning.Engine(), solver, os.Stdout)); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}
}

func replayFile(path string, rp *replayer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rp.run(context.Background(), f)
}

// inputFiles returns path itself, or the regular files directly inside it.
func inputFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("invalid file or directory: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}
