package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/ppp-one/stellarhub/internal/models"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Culler stops notebooks that have been idle longer than the configured
// timeout, and optionally stops every notebook on a cron schedule (for
// example at the end of a class day).
type Culler struct {
	notebookSvc services.NotebookServiceProvider
	eventSvc    services.EventServiceProvider

	idleTimeout time.Duration // 0 disables idle culling
	interval    time.Duration

	shutdownSchedule cron.Schedule // nil when no schedule is configured
	nextShutdown     time.Time

	ticker *time.Ticker
	done   chan bool
}

// NewCuller creates a culler. shutdownSpec is an optional standard cron
// expression; an empty string disables the scheduled shutdown.
func NewCuller(notebookSvc services.NotebookServiceProvider, eventSvc services.EventServiceProvider, idleTimeout, interval time.Duration, shutdownSpec string) (*Culler, error) {
	c := &Culler{
		notebookSvc: notebookSvc,
		eventSvc:    eventSvc,
		idleTimeout: idleTimeout,
		interval:    interval,
		done:        make(chan bool),
	}

	if shutdownSpec != "" {
		schedule, err := cron.ParseStandard(shutdownSpec)
		if err != nil {
			return nil, fmt.Errorf("invalid shutdown schedule %q: %w", shutdownSpec, err)
		}
		c.shutdownSchedule = schedule
		c.nextShutdown = schedule.Next(time.Now())
	}

	return c, nil
}

// Run starts the culling loop.
func (c *Culler) Run() {
	log.Info().Dur("idle_timeout", c.idleTimeout).Dur("interval", c.interval).Msg("Starting background culler...")
	c.ticker = time.NewTicker(c.interval)
	defer c.ticker.Stop()

	for {
		select {
		case <-c.done:
			log.Info().Msg("Stopping background culler.")
			return
		case <-c.ticker.C:
			c.cullIdleNotebooks()
			c.checkShutdownSchedule()
		}
	}
}

// Stop halts the culling loop.
func (c *Culler) Stop() {
	c.done <- true
}

// cullIdleNotebooks stops every running notebook whose last activity is
// older than the idle timeout.
func (c *Culler) cullIdleNotebooks() {
	if c.idleTimeout <= 0 {
		return
	}

	notebooks, err := c.notebookSvc.GetAllNotebooks()
	if err != nil {
		log.Error().Err(err).Msg("Culler: Failed to query notebooks")
		return
	}

	cutoff := time.Now().Add(-c.idleTimeout)
	for _, nb := range notebooks {
		if nb.Status != models.NotebookStatusRunning || nb.LastActivity.After(cutoff) {
			continue
		}

		log.Info().Str("username", nb.Username).Time("last_activity", nb.LastActivity).Msg("Culling idle notebook")
		if err := c.notebookSvc.StopNotebook(context.Background(), nb.Username); err != nil {
			log.Error().Err(err).Str("username", nb.Username).Msg("Culler: Failed to stop idle notebook")
			continue
		}
		msg := fmt.Sprintf("Notebook for '%s' was stopped after %s of inactivity.", nb.Username, c.idleTimeout)
		c.eventSvc.CreateEvent("notebook.cull", "info", msg, &nb.Username)
	}
}

// checkShutdownSchedule stops all notebooks when the configured cron
// schedule fires.
func (c *Culler) checkShutdownSchedule() {
	if c.shutdownSchedule == nil {
		return
	}

	now := time.Now()
	if now.Before(c.nextShutdown) {
		return
	}
	c.nextShutdown = c.shutdownSchedule.Next(now)

	log.Info().Time("next_shutdown", c.nextShutdown).Msg("Scheduled shutdown window reached, stopping all notebooks")
	if err := c.notebookSvc.StopAllNotebooks(context.Background()); err != nil {
		log.Error().Err(err).Msg("Culler: Scheduled shutdown failed")
		c.eventSvc.CreateEvent("schedule.shutdown.fail", "error", fmt.Sprintf("Scheduled shutdown failed: %v", err), nil)
		return
	}
	c.eventSvc.CreateEvent("schedule.shutdown", "info", "All notebooks were stopped by the scheduled shutdown window.", nil)
}
