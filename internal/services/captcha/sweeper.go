package captcha

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Sweeper runs the expiry sweep on a cron schedule.
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
	logger  arbor.ILogger
}

// NewSweeper creates a sweeper on the given schedule (cron format with a
// seconds field, e.g. "*/30 * * * * *").
func NewSweeper(manager *Manager, schedule string, logger arbor.ILogger) (*Sweeper, error) {
	c := cron.New(cron.WithSeconds())

	sweeper := &Sweeper{
		manager: manager,
		cron:    c,
		logger:  logger,
	}

	_, err := c.AddFunc(schedule, func() {
		if _, err := manager.ExpireDue(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("CAPTCHA expiry sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}

	return sweeper, nil
}

// Start launches the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Debug().Msg("CAPTCHA expiry sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Debug().Msg("CAPTCHA expiry sweeper stopped")
}
