package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/airsenselab/purpleair-sync/internal/history"
)

// Scheduler periodically runs a full history sync. Runs are strictly
// serial: gocron's singleton mode prevents a slow run from overlapping
// the next one, and the sync itself keeps one request in flight because
// the API rate limit is shared across all sensors.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   *history.Service
	sensors   []history.Sensor
	interval  time.Duration
}

// New creates a new Scheduler. When syncOnStart is false the first run
// waits a full interval instead of firing immediately.
func New(sensors []history.Sensor, interval time.Duration, syncOnStart bool, service *history.Service) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if !syncOnStart {
		s.WaitForScheduleAll()
	}
	return &Scheduler{
		scheduler: s,
		service:   service,
		sensors:   sensors,
		interval:  interval,
	}
}

// Start schedules the periodic sync job and starts the underlying
// scheduler.
func (s *Scheduler) Start() error {
	if len(s.sensors) == 0 {
		log.Println("scheduler: no sensors configured; nothing to schedule")
		return nil
	}

	interval := s.interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	_, err := s.scheduler.Every(interval).Do(func() {
		log.Println("scheduler: running history sync")

		ctx := context.Background()
		if err := s.service.SyncAll(ctx, s.sensors); err != nil {
			if errors.Is(err, history.ErrQuotaExceeded) {
				log.Printf("scheduler: sync stopped early, quota exhausted; retrying next interval")
				return
			}
			log.Printf("scheduler: sync failed: %v", err)
			return
		}
		log.Println("scheduler: completed history sync")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// RunNow triggers one sync immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.service.SyncAll(ctx, s.sensors)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
