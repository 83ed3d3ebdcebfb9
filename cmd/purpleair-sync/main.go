package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/airsenselab/purpleair-sync/internal/api/http"
	"github.com/airsenselab/purpleair-sync/internal/catalog"
	"github.com/airsenselab/purpleair-sync/internal/config"
	"github.com/airsenselab/purpleair-sync/internal/history"
	"github.com/airsenselab/purpleair-sync/internal/purpleair"
	"github.com/airsenselab/purpleair-sync/internal/scheduler"
	"github.com/airsenselab/purpleair-sync/internal/store"
)

func main() {
	// Load configuration (reads .env when present).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound API calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	client := purpleair.NewClient(httpClient, cfg.PurpleAirAPIKey, cfg.AverageMinutes)

	// Durable run log and per-sensor dataset artifacts.
	runLog, err := store.LoadRunLog(cfg.RunLogFile)
	if err != nil {
		log.Fatalf("failed to load run log: %v", err)
	}
	datasets, err := store.NewDatasetStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open dataset store: %v", err)
	}

	// Sensor catalog: load the persisted index, or fetch and classify
	// once when it does not exist yet.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Minute)
	entries, err := catalog.LoadOrRefresh(startupCtx, client,
		catalog.GoogleCountryResolver(cfg.GeocoderAPIKey), cfg.IndexFile, runLog)
	cancelStartup()
	if err != nil {
		log.Fatalf("failed to load sensor catalog: %v", err)
	}

	sensors := selectSensors(cfg, entries)
	log.Printf("syncing %d of %d cataloged sensors", len(sensors), len(entries))

	// Externally-sourced sensors whose bulk-imported span is skipped.
	var externalIDs []int
	if cfg.ExternalSensorFile != "" {
		externalIDs, err = catalog.LoadSensorIDs(cfg.ExternalSensorFile)
		if err != nil {
			log.Fatalf("failed to load externally-sourced sensor list: %v", err)
		}
		log.Printf("loaded %d externally-sourced sensors", len(externalIDs))
	}

	service := history.NewService(client, datasets, runLog, history.Options{
		Begin:          cfg.BeginDate,
		End:            cfg.EndDate,
		AverageMinutes: cfg.AverageMinutes,
		RequestDelay:   cfg.RequestDelay,
		Skip: history.NewSkipRule(externalIDs, history.Span{
			Min: cfg.ExternalRangeBegin,
			Max: cfg.ExternalRangeEnd,
		}),
		ResetSkipped: cfg.ResetSkippedOnSync,
	})

	// Scheduler that periodically runs the sync.
	sched := scheduler.New(sensors, cfg.SyncInterval, cfg.SyncOnStart, service)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "purpleair-sync",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "purpleair-sync",
		})
	})

	// Status API routes.
	httpapi.RegisterRoutes(app, runLog, datasets)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}

	// One last flush so an interrupted run keeps its progress.
	if err := runLog.Flush(); err != nil {
		log.Printf("error flushing run log on shutdown: %v", err)
	}
}

// selectSensors resolves which sensors to sync: an explicit id list
// when configured, otherwise the cataloged sensors filtered by class.
func selectSensors(cfg *config.AppConfig, entries []catalog.Entry) []history.Sensor {
	classByID := make(map[int]history.Class, len(entries))
	for _, e := range entries {
		classByID[e.Index] = e.Class()
	}

	if len(cfg.SensorIDs) > 0 {
		sensors := make([]history.Sensor, 0, len(cfg.SensorIDs))
		for _, id := range cfg.SensorIDs {
			class, ok := classByID[id]
			if !ok {
				class = history.ClassNonUS
			}
			sensors = append(sensors, history.Sensor{ID: id, Class: class})
		}
		return sensors
	}

	wanted := make(map[history.Class]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		wanted[c] = true
	}

	var sensors []history.Sensor
	for _, e := range entries {
		s := e.Sensor()
		if len(wanted) > 0 && !wanted[s.Class] {
			continue
		}
		sensors = append(sensors, s)
	}
	return sensors
}
