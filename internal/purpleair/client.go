// Package purpleair implements the PurpleAir API client for the
// history and catalog endpoints.
package purpleair

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/airsenselab/purpleair-sync/internal/common"
	"github.com/airsenselab/purpleair-sync/internal/history"
)

const defaultBaseURL = "https://api.purpleair.com/v1"

// HistoryFields is the fixed list of measurement fields requested per
// history window.
var HistoryFields = []string{
	"pm2.5_atm_a", "pm2.5_atm_b", "pm2.5_cf_1_a", "pm2.5_cf_1_b",
	"humidity", "temperature",
}

// CatalogFields is the sensor metadata requested by the one-shot
// catalog fetch. sensor_index is always returned first.
var CatalogFields = []string{
	"name", "location_type", "latitude", "longitude", "altitude",
	"position_rating", "uptime", "last_seen", "last_modified", "date_created",
}

// quotaMarkers are payload description fragments that signal the
// account allowance is exhausted.
var quotaMarkers = []string{
	"Payment is required",
	"points balance",
	"quota",
}

// Client talks to the PurpleAir API. All calls go through the shared
// resilience wrapper; pacing between calls is the caller's concern.
type Client struct {
	apiKey         string
	baseURL        string
	averageMinutes int
	httpCfg        HTTPClientConfig
	circuit        *gobreaker.CircuitBreaker
}

// NewClient creates a PurpleAir client for the given averaging resolution.
func NewClient(client *http.Client, apiKey string, averageMinutes int) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "purpleair",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		averageMinutes: averageMinutes,
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
	}
}

// SetBaseURL overrides the API root, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// FetchHistory requests the raw series for one sensor and window and
// decodes the CSV payload into a batch. Failures map onto the closed
// taxonomy in the history package: quota, transport, parse.
func (c *Client) FetchHistory(ctx context.Context, sensorID int, start, end time.Time) (history.Batch, error) {
	if c.apiKey == "" {
		return history.Batch{}, fmt.Errorf("purpleair api key is not configured")
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("api_key", c.apiKey)
		values.Set("start_timestamp", start.UTC().Format(history.TimeLayout))
		values.Set("end_timestamp", end.UTC().Format(history.TimeLayout))
		values.Set("average", strconv.Itoa(c.averageMinutes))
		values.Set("fields", strings.Join(HistoryFields, ","))

		u := fmt.Sprintf("%s/sensors/%d/history/csv?%s", c.baseURL, sensorID, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		if ctx.Err() != nil {
			return history.Batch{}, ctx.Err()
		}
		return history.Batch{}, fmt.Errorf("%w: history sensor %d: %v", history.ErrTransport, sensorID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return history.Batch{}, c.classifyErrorPayload(resp)
	}

	batch, err := decodeHistoryCSV(resp.Body)
	if err != nil {
		return history.Batch{}, fmt.Errorf("%w: history sensor %d: %v", history.ErrParse, sensorID, err)
	}
	return batch, nil
}

// classifyErrorPayload reads the structured error body of a non-2xx
// response and distinguishes quota exhaustion from other failures.
func (c *Client) classifyErrorPayload(resp *http.Response) error {
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"description"`
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr == nil {
		_ = json.Unmarshal(body, &payload)
	}

	if common.HasAny(payload.Description, quotaMarkers...) {
		return fmt.Errorf("%w: %s", history.ErrQuotaExceeded, payload.Description)
	}

	desc := payload.Description
	if desc == "" {
		desc = strings.TrimSpace(string(body))
	}
	return fmt.Errorf("%w: http %d: %s", history.ErrTransport, resp.StatusCode, desc)
}

// decodeHistoryCSV parses the row-oriented history payload. An empty
// body or a header-only payload is a valid empty batch.
func decodeHistoryCSV(r io.Reader) (history.Batch, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return history.Batch{}, err
	}
	if len(records) == 0 {
		return history.Batch{}, nil
	}

	header := records[0]
	tsIdx := -1
	for i, col := range header {
		if col == "time_stamp" {
			tsIdx = i
			break
		}
	}
	if tsIdx < 0 {
		return history.Batch{}, fmt.Errorf("history payload has no time_stamp column")
	}

	columns := make([]string, 0, len(header)-1)
	for i, col := range header {
		if i != tsIdx {
			columns = append(columns, col)
		}
	}

	rows := make([]history.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != len(header) {
			return history.Batch{}, fmt.Errorf("row has %d fields, want %d", len(rec), len(header))
		}
		ts, err := history.ParseTime(rec[tsIdx])
		if err != nil {
			return history.Batch{}, fmt.Errorf("bad time_stamp %q: %v", rec[tsIdx], err)
		}
		values := make(map[string]string, len(columns))
		for i, cell := range rec {
			if i == tsIdx {
				continue
			}
			values[header[i]] = cell
		}
		rows = append(rows, history.Row{Timestamp: ts, Values: values})
	}

	return history.Batch{Columns: columns, Rows: rows}, nil
}

// CatalogSensor is one row of sensor metadata from the catalog endpoint.
type CatalogSensor struct {
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
}

// FetchSensorList retrieves the full sensor catalog. It shares the
// resilience wrapper and quota classification with the history path.
func (c *Client) FetchSensorList(ctx context.Context) ([]CatalogSensor, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("purpleair api key is not configured")
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("api_key", c.apiKey)
		values.Set("fields", strings.Join(CatalogFields, ","))

		u := fmt.Sprintf("%s/sensors?%s", c.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: catalog: %v", history.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.classifyErrorPayload(resp)
	}

	var payload struct {
		Fields []string `json:"fields"`
		Data   [][]any  `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: catalog: %v", history.ErrParse, err)
	}

	idx := make(map[string]int, len(payload.Fields))
	for i, f := range payload.Fields {
		idx[f] = i
	}

	sensors := make([]CatalogSensor, 0, len(payload.Data))
	for _, row := range payload.Data {
		s := CatalogSensor{
			Index:          intField(row, idx, "sensor_index"),
			Name:           stringField(row, idx, "name"),
			LocationType:   intField(row, idx, "location_type"),
			Latitude:       floatField(row, idx, "latitude"),
			Longitude:      floatField(row, idx, "longitude"),
			Altitude:       floatField(row, idx, "altitude"),
			PositionRating: intField(row, idx, "position_rating"),
			Uptime:         intField(row, idx, "uptime"),
			LastSeen:       unixField(row, idx, "last_seen"),
			LastModified:   unixField(row, idx, "last_modified"),
			DateCreated:    unixField(row, idx, "date_created"),
		}
		sensors = append(sensors, s)
	}
	return sensors, nil
}

func cell(row []any, idx map[string]int, field string) (any, bool) {
	i, ok := idx[field]
	if !ok || i >= len(row) {
		return nil, false
	}
	return row[i], true
}

func stringField(row []any, idx map[string]int, field string) string {
	v, ok := cell(row, idx, field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatField(row []any, idx map[string]int, field string) float64 {
	v, ok := cell(row, idx, field)
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}

func intField(row []any, idx map[string]int, field string) int {
	return int(floatField(row, idx, field))
}

func unixField(row []any, idx map[string]int, field string) time.Time {
	secs := floatField(row, idx, field)
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
