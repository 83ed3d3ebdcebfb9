package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Fetcher issues one rate-limited history request per window.
type Fetcher interface {
	FetchHistory(ctx context.Context, sensorID int, start, end time.Time) (Batch, error)
}

// DatasetStore is the contract the per-sensor artifact store must satisfy.
// Load returns nil when no artifact exists for the sensor.
type DatasetStore interface {
	Load(sensorID int) (*Dataset, error)
	Replace(ds *Dataset) (string, error)
}

// ProgressLog is the durable per-sensor progress and error record the
// pipeline writes into. Implementations persist on Flush.
type ProgressLog interface {
	Ensure(sensorID int)
	SetSpan(sensorID int, span Span)
	AddURLIssue(sensorID int, msg string)
	AddNoData(sensorID int, msg string)
	MarkSkipped(sensorID int)
	ResetSkipped()
	SetRun(runID string, at time.Time)
	Flush() error
}

// Options carries the per-run sync configuration consumed by the core.
type Options struct {
	Begin          time.Time
	End            time.Time
	AverageMinutes int

	// RequestDelay is the fixed pacing delay applied before every
	// window, the sole backpressure against the shared API rate limit.
	RequestDelay time.Duration

	Skip SkipRule

	// ResetSkipped clears the persisted skipped-sensor set at the start
	// of a plain sync run. Catalog refreshes always clear it.
	ResetSkipped bool
}

// Service drives the fetch-classify-merge pipeline across sensors.
// Strictly serial: one request in flight, windows newest first, sensors
// in caller order.
type Service struct {
	fetcher  Fetcher
	datasets DatasetStore
	progress ProgressLog
	opts     Options
}

// NewService creates a new Service.
func NewService(fetcher Fetcher, datasets DatasetStore, progress ProgressLog, opts Options) *Service {
	return &Service{
		fetcher:  fetcher,
		datasets: datasets,
		progress: progress,
		opts:     opts,
	}
}

// SyncAll synchronizes every sensor in order. It returns
// ErrQuotaExceeded when the remote account allowance runs out, with all
// progress up to that point preserved; ErrInvalidRange when the
// configured dates are malformed; and a context error on cancellation.
// All other failures are captured into the progress log.
func (s *Service) SyncAll(ctx context.Context, sensors []Sensor) error {
	windows, err := WindowsFor(s.opts.Begin, s.opts.End, s.opts.AverageMinutes)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	s.progress.SetRun(runID, time.Now().UTC())
	if s.opts.ResetSkipped {
		s.progress.ResetSkipped()
	}

	log.Printf("sync run %s: %d sensors, %d windows (%s to %s)",
		runID, len(sensors), len(windows),
		s.opts.Begin.Format(TimeLayout), s.opts.End.Format(TimeLayout))

	for _, sensor := range sensors {
		s.progress.Ensure(sensor.ID)

		err := s.syncSensor(ctx, sensor, windows)

		// Flush after every sensor to bound data loss on crash.
		if flushErr := s.progress.Flush(); flushErr != nil {
			log.Printf("ERROR: flushing progress log: %v", flushErr)
		}

		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				log.Printf("sync run %s: quota exhausted at sensor %d; stopping run", runID, sensor.ID)
			}
			return err
		}
	}

	log.Printf("sync run %s: completed", runID)
	return s.progress.Flush()
}

// syncSensor walks the sensor's windows newest first. A nil return
// means processing continues with the next sensor, including after a
// transport error that abandoned this sensor's remaining windows.
func (s *Service) syncSensor(ctx context.Context, sensor Sensor, windows []Window) error {
	dataset, err := s.datasets.Load(sensor.ID)
	if err != nil {
		// A corrupt artifact is window-local in spirit: record it and
		// resync from scratch rather than abort the run.
		log.Printf("ERROR: loading dataset for sensor %d: %v", sensor.ID, err)
		s.progress.AddURLIssue(sensor.ID, fmt.Sprintf("dataset load failed: %v", err))
		dataset = nil
	}

	for _, w := range windows {
		// Pacing applies to every window, cache hits included.
		if err := sleepContext(ctx, s.opts.RequestDelay); err != nil {
			return err
		}

		if dataset.Span().Covers(w) {
			continue
		}

		if s.opts.Skip.Skips(sensor.ID, w) {
			s.progress.MarkSkipped(sensor.ID)
			log.Printf("sensor %d: window %s skipped (externally sourced)", sensor.ID, w)
			continue
		}

		batch, err := s.fetcher.FetchHistory(ctx, sensor.ID, w.Earlier, w.Later)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch ClassifyFetch(batch, err) {
		case OutcomeSuccess:
			merged := Merge(sensor.ID, dataset, batch)
			path, replaceErr := s.datasets.Replace(merged)
			if replaceErr != nil {
				log.Printf("ERROR: sensor %d: replacing dataset: %v", sensor.ID, replaceErr)
				continue
			}
			dataset = merged
			s.progress.SetSpan(sensor.ID, merged.Span())
			log.Printf("sensor %d: window %s merged (%d rows total, %s)",
				sensor.ID, w, len(merged.Rows), path)

		case OutcomeEmpty:
			s.progress.AddNoData(sensor.ID, w.String())

		case OutcomeQuota:
			s.progress.AddURLIssue(sensor.ID, fmt.Sprintf("quota exhausted at window %s", w))
			return fmt.Errorf("sensor %d, window %s: %w", sensor.ID, w, ErrQuotaExceeded)

		case OutcomeTransport:
			s.progress.AddURLIssue(sensor.ID, err.Error())
			log.Printf("sensor %d: transport error, abandoning remaining windows: %v", sensor.ID, err)
			return nil

		case OutcomeParse:
			s.progress.AddURLIssue(sensor.ID, err.Error())
			log.Printf("sensor %d: window %s: %v", sensor.ID, w, err)

		case OutcomeUnexpected:
			log.Printf("ERROR: sensor %d: window %s: %v", sensor.ID, w, err)
		}
	}

	return nil
}

// sleepContext pauses for the pacing delay, honoring cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
