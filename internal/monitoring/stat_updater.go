package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/ppp-one/stellarhub/internal/docker"
	"github.com/ppp-one/stellarhub/internal/models"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/rs/zerolog/log"
)

// StatUpdater periodically samples resource usage of running notebook
// containers, records it, and detects containers the runtime has killed.
type StatUpdater struct {
	runtime      services.ContainerRuntime
	notebookSvc  services.NotebookServiceProvider
	eventSvc     services.EventServiceProvider
	ticker       *time.Ticker
	done         chan bool
	alertMu      sync.Mutex
	highCpuAlert map[string]time.Time
}

// NewStatUpdater creates a new StatUpdater.
func NewStatUpdater(runtime services.ContainerRuntime, notebookSvc services.NotebookServiceProvider, eventSvc services.EventServiceProvider) *StatUpdater {
	return &StatUpdater{
		runtime:      runtime,
		notebookSvc:  notebookSvc,
		eventSvc:     eventSvc,
		done:         make(chan bool),
		highCpuAlert: make(map[string]time.Time),
	}
}

// Run starts the periodic updates.
func (su *StatUpdater) Run() {
	log.Info().Msg("Starting background stat updater...")
	su.ticker = time.NewTicker(15 * time.Second) // Update every 15 seconds
	defer su.ticker.Stop()

	// Run once immediately on start
	su.updateAllNotebookStats()

	for {
		select {
		case <-su.done:
			log.Info().Msg("Stopping background stat updater.")
			return
		case <-su.ticker.C:
			su.updateAllNotebookStats()
		}
	}
}

// Stop halts the periodic updates.
func (su *StatUpdater) Stop() {
	su.done <- true
}

// updateAllNotebookStats fetches all notebooks and updates the stats of
// the ones the runtime may still hold a container for. OOM-killed rows
// stay in the scan so they settle into the stopped state.
func (su *StatUpdater) updateAllNotebookStats() {
	notebooks, err := su.notebookSvc.GetAllNotebooks()
	if err != nil {
		log.Error().Err(err).Msg("StatUpdater: Failed to query notebooks")
		return
	}

	var wg sync.WaitGroup
	for _, nb := range notebooks {
		switch nb.Status {
		case models.NotebookStatusRunning, models.NotebookStatusPending, models.NotebookStatusOOMKilled:
			notebook := nb
			wg.Add(1)
			go func() {
				defer wg.Done()
				su.updateSingleNotebook(&notebook)
			}()
		}
	}
	wg.Wait()
}

func (su *StatUpdater) updateSingleNotebook(notebook *models.Notebook) {
	ctx := context.Background()
	if notebook.DockerContainerID == "" {
		log.Warn().Str("username", notebook.Username).Msg("StatUpdater: Skipping stats due to empty container ID")
		return
	}

	inspect, err := su.runtime.InspectContainer(ctx, notebook.DockerContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			// Container is gone. If our state doesn't reflect that, fix it.
			log.Warn().Str("username", notebook.Username).Msg("StatUpdater: Container not found, marking notebook as stopped")
			notebook.Status = models.NotebookStatusStopped
			notebook.Resources = models.ResourceUsage{}
			if err := su.notebookSvc.UpdateNotebookStats(*notebook); err != nil {
				log.Error().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Failed to update notebook status in DB")
			}
		} else {
			// Some other transient error. Don't touch the DB, wait for the next tick.
			log.Warn().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Non-fatal error inspecting container")
		}
		return
	}

	if inspect.State != nil && !inspect.State.Running {
		// The runtime stopped the container behind our back. Out-of-memory
		// kills are surfaced as their own event before the notebook settles
		// into the stopped state on the following pass.
		if inspect.State.OOMKilled && notebook.Status != models.NotebookStatusOOMKilled {
			if err := su.notebookSvc.MarkNotebookOOMKilled(*notebook); err != nil {
				log.Error().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Failed to record OOM kill")
			}
			return
		}
		notebook.Status = models.NotebookStatusStopped
		notebook.Resources = models.ResourceUsage{}
		if err := su.notebookSvc.UpdateNotebookStats(*notebook); err != nil {
			log.Error().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Failed to update notebook status in DB")
		}
		return
	}

	stats, err := su.runtime.GetContainerStats(ctx, notebook.DockerContainerID)
	if err != nil {
		log.Warn().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Non-fatal error getting stats")
		return
	}

	notebook.Status = models.NotebookStatusRunning
	notebook.Resources.CPU = docker.CalculateCPUPercent(stats)
	notebook.Resources.RAM = docker.CalculateRAMPercent(stats)
	notebook.Resources.Storage = su.getDirectorySizePercentage(notebook.DataPath)

	// Notebook traffic goes straight to the container's published port,
	// so kernel CPU time is the hub's only view of a user working.
	// Counting it as activity keeps the idle culler off busy notebooks.
	if notebook.Resources.CPU >= activeCPUThreshold {
		if err := su.notebookSvc.TouchActivity(notebook.Username); err != nil {
			log.Warn().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Failed to record notebook activity")
		}
	}

	su.checkAndAlertForHighCPU(notebook)

	if err := su.notebookSvc.UpdateNotebookStats(*notebook); err != nil {
		log.Error().Err(err).Str("username", notebook.Username).Msg("StatUpdater: Failed to update notebook stats in DB")
	}
}

// activeCPUThreshold is the CPU percentage above which a notebook
// counts as actively used.
const activeCPUThreshold = 1.0

func (su *StatUpdater) checkAndAlertForHighCPU(notebook *models.Notebook) {
	const highCpuThreshold = 90.0
	const alertCooldown = 15 * time.Minute

	su.alertMu.Lock()
	defer su.alertMu.Unlock()

	if notebook.Resources.CPU > highCpuThreshold {
		if lastAlertTime, ok := su.highCpuAlert[notebook.ID]; ok {
			// If an alert was sent recently, do nothing.
			if time.Since(lastAlertTime) < alertCooldown {
				return
			}
		}
		// If CPU is high and no recent alert was sent, create one.
		msg := fmt.Sprintf("High CPU usage (%.1f%%) detected on notebook of '%s'.", notebook.Resources.CPU, notebook.Username)
		su.eventSvc.CreateEvent("system.alert.cpu", "warn", msg, &notebook.Username)
		su.highCpuAlert[notebook.ID] = time.Now()
	}
}

// getDirectorySizePercentage calculates the size of a workspace
// directory relative to the assumed per-user storage allowance.
func (su *StatUpdater) getDirectorySizePercentage(path string) int {
	if path == "" {
		return 0
	}

	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("StatUpdater: Could not calculate workspace size")
		return 0
	}

	// Workspaces have no enforced quota; report usage against a nominal
	// 10GB allowance so the dashboard has a meaningful percentage.
	const storageAllowanceBytes = 10 * 1024 * 1024 * 1024
	if size > 0 {
		return int((float64(size) / float64(storageAllowanceBytes)) * 100)
	}

	return 0
}
