/*
scheduler.go - Due-soon reminder scheduler

PURPOSE:
  Periodically emits BookingDueSoon events for checked-in stays whose
  check-out falls inside the reminder window, so the notification
  consumers can nudge customers to renew or prepare to leave.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each sweep is independent; the consumers de-duplicate reminders

USAGE:
  scheduler := NewDueSoonScheduler(bookings, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerDueSoon endpoint (manual sweep)
  - booking/service.go: EmitDueSoon
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DueSoonEmitter is the slice of booking.Service the scheduler needs.
type DueSoonEmitter interface {
	EmitDueSoon(ctx context.Context, window time.Duration) (int, error)
}

// DueSoonScheduler sweeps for stays ending soon.
type DueSoonScheduler struct {
	Bookings      DueSoonEmitter
	CheckInterval time.Duration
	Window        time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDueSoonScheduler creates a scheduler with an hourly interval and a
// 72 hour window.
func NewDueSoonScheduler(bookings DueSoonEmitter, log zerolog.Logger) *DueSoonScheduler {
	return &DueSoonScheduler{
		Bookings:      bookings,
		CheckInterval: time.Hour,
		Window:        72 * time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (s *DueSoonScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.CheckInterval).Dur("window", s.Window).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *DueSoonScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info().Msg("stopped")
	}
}

func (s *DueSoonScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns the number of events emitted.
func (s *DueSoonScheduler) RunNow(ctx context.Context) int {
	n, err := s.Bookings.EmitDueSoon(ctx, s.Window)
	if err != nil {
		s.log.Error().Err(err).Msg("due-soon sweep failed")
		return 0
	}
	if n > 0 {
		s.log.Info().Int("emitted", n).Msg("due-soon sweep completed")
	}
	return n
}
