package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"meetai/internal/services"
)

// Sweeper periodically completes meetings stuck in active. A missed ended
// webhook (provider outage, deploy window) otherwise leaves the row active
// forever and blocks transcript processing.
type Sweeper struct {
	scheduler gocron.Scheduler
	meetings  *services.MeetingService
	registry  *services.ConnectionRegistry
	events    *services.EventBus
	maxAge    time.Duration
}

// NewSweeper creates the stale-meeting sweeper
func NewSweeper(meetings *services.MeetingService, registry *services.ConnectionRegistry, events *services.EventBus, maxAge time.Duration) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Sweeper{
		scheduler: scheduler,
		meetings:  meetings,
		registry:  registry,
		events:    events,
		maxAge:    maxAge,
	}, nil
}

// Start registers the sweep job and starts the scheduler
func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(15*time.Minute),
		gocron.NewTask(func() {
			s.sweep(context.Background())
		}),
		gocron.WithName("stale-meeting-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}

	s.scheduler.Start()
	log.Println("⏰ Stale-meeting sweeper started")
	return nil
}

// Stop shuts the scheduler down
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	ids, err := s.meetings.StaleActiveIDs(ctx, cutoff)
	if err != nil {
		log.Printf("⚠️  Stale meeting sweep failed: %v", err)
		return
	}

	for _, id := range ids {
		// A live agent link means the call is genuinely still running
		if s.registry.HasLink(id) {
			continue
		}

		if n := s.registry.DisconnectAll(ctx, id); n > 0 {
			log.Printf("🧹 Sweeper detached %d stale link(s) for meeting %s", n, id)
		}
		if err := s.meetings.Complete(ctx, id, time.Now()); err != nil {
			log.Printf("⚠️  Sweeper failed to complete meeting %s: %v", id, err)
			continue
		}
		s.events.Publish(ctx, services.EventMeetingCompleted, id, "")
		log.Printf("🧹 Swept stale meeting %s (active since before %s)", id, cutoff.Format(time.RFC3339))
	}
}
