package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/airsenselab/purpleair-sync/internal/history"
)

// dateLayout is the format for the begin/end date settings.
const dateLayout = "2006-01-02"

type AppConfig struct {
	PurpleAirAPIKey string
	GeocoderAPIKey  string

	// Sync range and averaging resolution.
	BeginDate      time.Time
	EndDate        time.Time
	AverageMinutes int

	// RequestDelay is the fixed pacing delay before every window.
	RequestDelay time.Duration
	HTTPTimeout  time.Duration

	// DataDir holds dataset artifacts and the sensor index.
	DataDir    string
	IndexFile  string
	RunLogFile string

	// SensorIDs overrides the catalog-derived sensor list when set.
	SensorIDs []int

	// Classes filters which catalog classifications are synced.
	Classes []history.Class

	// Externally-sourced sensors and the bulk-import range they cover.
	ExternalSensorFile string
	ExternalRangeBegin time.Time
	ExternalRangeEnd   time.Time

	// ResetSkippedOnSync clears the persisted skipped set on every sync
	// run instead of only on catalog refresh.
	ResetSkippedOnSync bool

	// SyncInterval controls how often a sync run is scheduled.
	SyncInterval time.Duration
	SyncOnStart  bool

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.PurpleAirAPIKey = os.Getenv("PURPLEAIR_API_KEY")
	if cfg.PurpleAirAPIKey == "" {
		return nil, fmt.Errorf("PURPLEAIR_API_KEY is required")
	}
	cfg.GeocoderAPIKey = os.Getenv("GEOCODER_API_KEY")

	begin, err := time.Parse(dateLayout, getenvDefault("SYNC_BEGIN_DATE", "2021-01-01"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_BEGIN_DATE: %w", err)
	}
	end, err := time.Parse(dateLayout, getenvDefault("SYNC_END_DATE", "2021-01-15"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_END_DATE: %w", err)
	}
	if begin.After(end) {
		return nil, fmt.Errorf("SYNC_BEGIN_DATE is after SYNC_END_DATE: %w", history.ErrInvalidRange)
	}
	cfg.BeginDate = begin.UTC()
	cfg.EndDate = end.UTC()

	cfg.AverageMinutes = getenvInt("AVERAGE_MINUTES", 10)

	delayStr := getenvDefault("REQUEST_DELAY", "3s")
	delay, err := time.ParseDuration(delayStr)
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_DELAY: %w", err)
	}
	cfg.RequestDelay = delay

	timeoutStr := getenvDefault("HTTP_TIMEOUT", "60s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout

	cfg.DataDir = getenvDefault("DATA_DIR", "processed")
	cfg.IndexFile = getenvDefault("INDEX_FILE", filepath.Join(cfg.DataDir, "sensors_index.csv"))
	cfg.RunLogFile = getenvDefault("RUN_LOG_FILE", "sensor_log.json")

	ids, err := parseIntList(os.Getenv("SENSOR_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid SENSOR_IDS: %w", err)
	}
	cfg.SensorIDs = ids

	cfg.Classes, err = parseClasses(getenvDefault("SENSOR_CLASSES", ""))
	if err != nil {
		return nil, err
	}

	cfg.ExternalSensorFile = os.Getenv("EXTERNAL_SENSOR_FILE")

	extBegin, err := time.Parse(dateLayout, getenvDefault("EXTERNAL_RANGE_BEGIN", "2021-01-01"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXTERNAL_RANGE_BEGIN: %w", err)
	}
	extEnd, err := time.Parse(dateLayout, getenvDefault("EXTERNAL_RANGE_END", "2023-12-31"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXTERNAL_RANGE_END: %w", err)
	}
	cfg.ExternalRangeBegin = extBegin.UTC()
	cfg.ExternalRangeEnd = extEnd.UTC()

	cfg.ResetSkippedOnSync = getenvBool("RESET_SKIPPED_ON_SYNC", false)

	intervalStr := getenvDefault("SYNC_INTERVAL", "24h")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}
	cfg.SyncInterval = interval
	cfg.SyncOnStart = getenvBool("SYNC_ON_START", true)

	cfg.Port = getenvDefault("PORT", "8080")

	return cfg, nil
}

func parseIntList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func parseClasses(s string) ([]history.Class, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]history.Class, 0, len(parts))
	for _, p := range parts {
		c := history.Class(strings.TrimSpace(p))
		switch c {
		case history.ClassUSIndoor, history.ClassUSOutdoor, history.ClassNonUS:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("invalid SENSOR_CLASSES entry: %q", p)
		}
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}
