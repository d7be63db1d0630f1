// Command gunshot-server accepts gunshot reports from registered phones,
// correlates them into events and publishes the solved origins.
//
//	gunshot-server [flags]
//	gunshot-server [flags] migrate <up|down|status|version|force|help>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/gunshot.report/internal/api"
	"github.com/banshee-data/gunshot.report/internal/config"
	"github.com/banshee-data/gunshot.report/internal/db"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/ingest"
	"github.com/banshee-data/gunshot.report/internal/notify"
	"github.com/banshee-data/gunshot.report/internal/tdoa"
	"github.com/banshee-data/gunshot.report/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "Listen address")
	dbPath          = flag.String("db", "gunshot.db", "SQLite database path")
	configPath      = flag.String("config", "", "Tuning JSON file (built-in defaults when empty)")
	devMode         = flag.Bool("dev", false, "Read migrations from internal/db/migrations on disk")
	debugRoutes     = flag.Bool("debug", false, "Mount /debug/ admin routes (tailsql, backup)")
	checkMigrations = flag.Bool("check-migrations", false, "Refuse to start on an out-of-date schema instead of migrating it")
	mqttBroker      = flag.String("mqtt-broker", "", "MQTT broker URL, overrides the config file")
	showVersion     = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gunshot-server"))
		return
	}
	db.DevMode = *devMode

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		log.Fatalf("unknown command %q", flag.Arg(0))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mqttBroker != "" {
		cfg.MQTTBroker = mqttBroker
	}

	secret, err := config.LoadJWTSecret()
	if err != nil {
		log.Fatalf("Failed to load token secret: %v", err)
	}
	tokens, err := api.NewTokenManager(secret, cfg.GetTokenTTL())
	if err != nil {
		log.Fatalf("Failed to create token manager: %v", err)
	}

	database, err := db.NewDBWithMigrationCheck(*dbPath, *checkMigrations)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	hub := notify.NewHub(16)
	defer hub.Close()
	notifier, closeNotifier, err := buildNotifier(cfg, hub)
	if err != nil {
		log.Fatalf("Failed to set up notifications: %v", err)
	}
	defer closeNotifier()

	engine := gunshot.NewEngine(cfg.Engine(), database, tdoa.NewSolver(cfg.Solver()), notifier)
	batcher := ingest.NewBatcher(cfg.Batcher(), database, nil)
	server := api.NewServer(database, ingest.NewPipeline(batcher, engine), engine, tokens)

	mux := server.ServeMux()
	if *debugRoutes {
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("Failed to attach admin routes: %v", err)
		}
		hub.AttachAdminRoutes(mux)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunPruner(ctx, cfg.GetPruneInterval(), time.Now)
		log.Print("pruner routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		httpServer := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("%s listening on %s", version.String("gunshot-server"), *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		// Long enough for an open batch to flush.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or returns the built-in defaults when path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// buildNotifier always logs events and feeds them to hub. It also
// publishes them over MQTT when a broker is configured.
func buildNotifier(cfg *config.Config, hub *notify.Hub) (gunshot.Notifier, func(), error) {
	broker := cfg.GetMQTTBroker()
	if broker == "" {
		return notify.Multi{notify.Log{}, hub}, func() {}, nil
	}
	m, err := notify.NewMQTT(notify.MQTTConfig{Broker: broker, Topic: cfg.GetMQTTTopic()})
	if err != nil {
		return nil, nil, err
	}
	return notify.Multi{notify.Log{}, hub, m}, m.Close, nil
}
