// Package catalog handles the one-shot sensor catalog fetch, the
// US/non-US classification of each sensor, and the persisted CSV index
// consumed by the sync core.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/kelvins/geocoder"

	"github.com/airsenselab/purpleair-sync/internal/history"
	"github.com/airsenselab/purpleair-sync/internal/purpleair"
)

// Entry is one cataloged sensor with its US flag resolved.
type Entry struct {
	Index          int
	Name           string
	LocationType   int // 0 = outdoor, 1 = indoor
	Latitude       float64
	Longitude      float64
	Altitude       float64
	PositionRating int
	Uptime         int
	LastSeen       time.Time
	LastModified   time.Time
	DateCreated    time.Time
	US             bool
}

// Class derives the sensor classification from the US flag and
// location type. Classification is assigned once at catalog time and is
// immutable for the lifetime of a run.
func (e Entry) Class() history.Class {
	switch {
	case e.US && e.LocationType == 1:
		return history.ClassUSIndoor
	case e.US:
		return history.ClassUSOutdoor
	default:
		return history.ClassNonUS
	}
}

// Sensor converts the entry to the core's sensor type.
func (e Entry) Sensor() history.Sensor {
	return history.Sensor{ID: e.Index, Class: e.Class()}
}

// CountryResolver answers which country a coordinate lies in.
type CountryResolver func(lat, lon float64) (string, error)

// GoogleCountryResolver resolves countries through reverse geocoding.
func GoogleCountryResolver(apiKey string) CountryResolver {
	geocoder.ApiKey = apiKey
	return func(lat, lon float64) (string, error) {
		addresses, err := geocoder.GeocodingReverse(geocoder.Location{
			Latitude:  lat,
			Longitude: lon,
		})
		if err != nil {
			return "", err
		}
		if len(addresses) == 0 {
			return "", errors.New("no address for coordinate")
		}
		return addresses[0].Country, nil
	}
}

// isUS matches the country names the geocoding API returns for the US.
func isUS(country string) bool {
	switch country {
	case "United States", "United States of America", "US", "USA":
		return true
	}
	return false
}

// RefreshLog is the slice of the run log the catalog step touches: it
// pre-creates entries for every sensor and stamps the refresh, which
// also resets the skipped set.
type RefreshLog interface {
	EnsureAll(sensorIDs []int)
	SetCatalogRefreshed(at time.Time)
}

// Refresh fetches the catalog, classifies every sensor and writes the
// index to path. Sensors whose coordinates cannot be resolved are kept
// as non-US and logged rather than dropped.
func Refresh(ctx context.Context, client *purpleair.Client, resolve CountryResolver, path string, runLog RefreshLog) ([]Entry, error) {
	raw, err := client.FetchSensorList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching sensor catalog: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, s := range raw {
		entry := Entry{
			Index:          s.Index,
			Name:           s.Name,
			LocationType:   s.LocationType,
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			Altitude:       s.Altitude,
			PositionRating: s.PositionRating,
			Uptime:         s.Uptime,
			LastSeen:       s.LastSeen,
			LastModified:   s.LastModified,
			DateCreated:    s.DateCreated,
		}

		country, err := resolve(s.Latitude, s.Longitude)
		if err != nil {
			log.Printf("catalog: sensor %d: country lookup failed, assuming non-US: %v", s.Index, err)
		} else {
			entry.US = isUS(country)
		}

		entries = append(entries, entry)
	}

	if err := SaveIndex(path, entries); err != nil {
		return nil, err
	}
	log.Printf("catalog: %d sensors extracted and stored in %s", len(entries), path)

	if runLog != nil {
		ids := make([]int, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.Index)
		}
		runLog.EnsureAll(ids)
		runLog.SetCatalogRefreshed(time.Now().UTC())
	}

	return entries, nil
}

// LoadOrRefresh reads the persisted index, refreshing it from the API
// only when the file does not exist yet.
func LoadOrRefresh(ctx context.Context, client *purpleair.Client, resolve CountryResolver, path string, runLog RefreshLog) ([]Entry, error) {
	entries, err := LoadIndex(path)
	if errors.Is(err, os.ErrNotExist) {
		return Refresh(ctx, client, resolve, path, runLog)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Partition groups the cataloged sensors by classification.
func Partition(entries []Entry) map[history.Class][]history.Sensor {
	out := make(map[history.Class][]history.Sensor)
	for _, e := range entries {
		s := e.Sensor()
		out[s.Class] = append(out[s.Class], s)
	}
	return out
}

var indexHeader = []string{
	"sensor_index", "name", "location_type", "latitude", "longitude",
	"altitude", "position_rating", "uptime",
	"last_seen", "last_modified", "date_created", "us",
}

// SaveIndex writes the sensor index CSV.
func SaveIndex(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(indexHeader); err != nil {
		return err
	}

	for _, e := range entries {
		us := "0"
		if e.US {
			us = "1"
		}
		rec := []string{
			strconv.Itoa(e.Index),
			e.Name,
			strconv.Itoa(e.LocationType),
			strconv.FormatFloat(e.Latitude, 'f', -1, 64),
			strconv.FormatFloat(e.Longitude, 'f', -1, 64),
			strconv.FormatFloat(e.Altitude, 'f', -1, 64),
			strconv.Itoa(e.PositionRating),
			strconv.Itoa(e.Uptime),
			formatTime(e.LastSeen),
			formatTime(e.LastModified),
			formatTime(e.DateCreated),
			us,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// LoadIndex reads the sensor index CSV written by SaveIndex.
func LoadIndex(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("index %s is empty", path)
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[name] = i
	}
	for _, required := range []string{"sensor_index", "location_type", "us"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("index %s: missing column %s", path, required)
		}
	}

	entries := make([]Entry, 0, len(records)-1)
	for _, rec := range records[1:] {
		e := Entry{
			Index:          atoiCol(rec, col, "sensor_index"),
			Name:           strCol(rec, col, "name"),
			LocationType:   atoiCol(rec, col, "location_type"),
			Latitude:       floatCol(rec, col, "latitude"),
			Longitude:      floatCol(rec, col, "longitude"),
			Altitude:       floatCol(rec, col, "altitude"),
			PositionRating: atoiCol(rec, col, "position_rating"),
			Uptime:         atoiCol(rec, col, "uptime"),
			LastSeen:       timeCol(rec, col, "last_seen"),
			LastModified:   timeCol(rec, col, "last_modified"),
			DateCreated:    timeCol(rec, col, "date_created"),
			US:             strCol(rec, col, "us") == "1",
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadSensorIDs reads sensor ids from a CSV with a sensor_index column,
// the format the externally-sourced reference list ships in.
func LoadSensorIDs(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading sensor list %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("sensor list %s is empty", path)
	}

	idx := -1
	for i, name := range records[0] {
		if name == "sensor_index" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("sensor list %s: missing sensor_index column", path)
	}

	ids := make([]int, 0, len(records)-1)
	for _, rec := range records[1:] {
		if idx >= len(rec) {
			continue
		}
		id, err := strconv.Atoi(rec[idx])
		if err != nil {
			return nil, fmt.Errorf("sensor list %s: bad sensor_index %q", path, rec[idx])
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func strCol(rec []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func atoiCol(rec []string, col map[string]int, name string) int {
	n, _ := strconv.Atoi(strCol(rec, col, name))
	return n
}

func floatCol(rec []string, col map[string]int, name string) float64 {
	f, _ := strconv.ParseFloat(strCol(rec, col, name), 64)
	return f
}

func timeCol(rec []string, col map[string]int, name string) time.Time {
	ts, err := history.ParseTime(strCol(rec, col, name))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(history.TimeLayout)
}
