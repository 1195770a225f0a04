package services

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/ppp-one/stellarhub/internal/models"
	"github.com/ppp-one/stellarhub/internal/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ContainerRuntime is the subset of the Docker client the notebook
// service needs. *docker.Client satisfies it; tests plug in a fake.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (container.CreateResponse, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, containerID string) (types.ContainerJSON, error)
	GetContainerLogs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	GetContainerStats(ctx context.Context, id string) (*container.StatsResponse, error)
	ListManagedContainers(ctx context.Context) ([]types.Container, error)
	InspectImage(ctx context.Context, imageName string) (types.ImageInspect, error)
	PullImage(ctx context.Context, imageName string) (io.ReadCloser, error)
}

// NotebookServiceProvider defines the interface for notebook services.
type NotebookServiceProvider interface {
	GetAllNotebooks() ([]models.Notebook, error)
	GetNotebookForUser(username string) (models.Notebook, error)
	SpawnNotebook(ctx context.Context, username string) (models.Notebook, error)
	StopNotebook(ctx context.Context, username string) error
	DeleteNotebook(ctx context.Context, username string, purgeWorkspace bool) error
	StopAllNotebooks(ctx context.Context) error
	TouchActivity(username string) error
	UpdateNotebookStats(notebook models.Notebook) error
	MarkNotebookOOMKilled(notebook models.Notebook) error
	StreamNotebookLogs(ctx context.Context, username string, sendChan chan []byte)
	GetDashboardStatistics() (models.DashboardStats, error)
	GetResourceHistory(username string) ([]models.ResourceDataPoint, error)
}

// ErrNotebookNotFound is returned when a user has no notebook record.
var ErrNotebookNotFound = errors.New("notebook not found")

// NotebookService provides business logic for spawning and managing
// per-user notebook containers.
type NotebookService struct {
	db           *sql.DB
	runtime      ContainerRuntime
	hub          *websocket.Hub
	userService  UserServiceProvider
	eventService EventServiceProvider
	policy       SpawnPolicy
}

// NewNotebookService creates a new NotebookService.
func NewNotebookService(db *sql.DB, runtime ContainerRuntime, hub *websocket.Hub, userService UserServiceProvider, eventService EventServiceProvider, policy SpawnPolicy) *NotebookService {
	return &NotebookService{
		db:           db,
		runtime:      runtime,
		hub:          hub,
		userService:  userService,
		eventService: eventService,
		policy:       policy,
	}
}

// Policy returns the spawn policy in effect.
func (s *NotebookService) Policy() SpawnPolicy {
	return s.policy
}

// GetAllNotebooks retrieves every notebook record.
func (s *NotebookService) GetAllNotebooks() ([]models.Notebook, error) {
	rows, err := s.db.Query(`
	SELECT id, username, status, image, url, host_port, cpu_usage, ram_usage, storage_usage,
	       last_activity, docker_container_id, data_path, token, created_at
	FROM notebooks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notebooks []models.Notebook
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, nil
}

// GetNotebookForUser retrieves the notebook record for a username.
func (s *NotebookService) GetNotebookForUser(username string) (models.Notebook, error) {
	row := s.db.QueryRow(`
	SELECT id, username, status, image, url, host_port, cpu_usage, ram_usage, storage_usage,
	       last_activity, docker_container_id, data_path, token, created_at
	FROM notebooks WHERE username = ?`, username)

	nb, err := scanNotebook(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Notebook{}, ErrNotebookNotFound
		}
		return models.Notebook{}, err
	}
	return nb, nil
}

func scanNotebook(scanner interface{ Scan(...interface{}) error }) (models.Notebook, error) {
	var nb models.Notebook
	var url, containerID, dataPath, token sql.NullString
	var hostPort, storageUsage sql.NullInt64
	var cpuUsage, ramUsage sql.NullFloat64

	err := scanner.Scan(
		&nb.ID, &nb.Username, &nb.Status, &nb.Image, &url, &hostPort,
		&cpuUsage, &ramUsage, &storageUsage,
		&nb.LastActivity, &containerID, &dataPath, &token, &nb.CreatedAt,
	)
	if err != nil {
		return models.Notebook{}, err
	}

	nb.URL = url.String
	nb.HostPort = int(hostPort.Int64)
	nb.Resources.CPU = cpuUsage.Float64
	nb.Resources.RAM = ramUsage.Float64
	nb.Resources.Storage = int(storageUsage.Int64)
	nb.DockerContainerID = containerID.String
	nb.DataPath = dataPath.String
	nb.Token = token.String
	return nb, nil
}

// SpawnNotebook creates and starts the notebook container for a user.
// The user must exist and be approved; a second spawn for a user whose
// notebook is already running returns the existing notebook.
func (s *NotebookService) SpawnNotebook(ctx context.Context, username string) (models.Notebook, error) {
	user, err := s.userService.GetUserByUsername(username)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("spawn refused: %w", err)
	}
	if user.Status != models.UserStatusApproved {
		return models.Notebook{}, fmt.Errorf("spawn refused: account %s is awaiting approval", username)
	}

	existing, err := s.GetNotebookForUser(username)
	if err == nil {
		switch existing.Status {
		case models.NotebookStatusRunning, models.NotebookStatusPending:
			return existing, nil
		default:
			// A stopped record is replaced by a fresh spawn. The old
			// container may still exist when the runtime killed it
			// rather than StopNotebook; it must go before a new one
			// can take the deterministic name. The workspace directory
			// on the host is untouched.
			if existing.DockerContainerID != "" {
				if err := s.runtime.RemoveContainer(ctx, existing.DockerContainerID); err != nil && !client.IsErrNotFound(err) {
					return models.Notebook{}, fmt.Errorf("failed to remove previous notebook container: %w", err)
				}
			}
			if _, err := s.db.Exec("DELETE FROM notebooks WHERE username = ?", username); err != nil {
				return models.Notebook{}, err
			}
		}
	} else if !errors.Is(err, ErrNotebookNotFound) {
		return models.Notebook{}, err
	}

	if err := s.ensureImage(ctx); err != nil {
		return models.Notebook{}, err
	}

	// Pre-spawn: make sure the private workspace exists on the host and
	// sits under the workspace base. Usernames are validated at signup,
	// but the mount is built here and must never leave the base.
	workspaceBase, err := filepath.Abs(s.policy.WorkspaceBase)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to resolve workspace base: %w", err)
	}
	workspace, err := filepath.Abs(s.policy.WorkspaceDir(username))
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to resolve workspace for %s: %w", username, err)
	}
	if !strings.HasPrefix(workspace, workspaceBase+string(filepath.Separator)) {
		return models.Notebook{}, fmt.Errorf("workspace path for %q escapes the workspace base", username)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return models.Notebook{}, fmt.Errorf("failed to create workspace for %s: %w", username, err)
	}

	hostPort, err := FindAvailablePort(8888)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to find an available notebook port: %w", err)
	}

	token := uuid.New().String()
	notebook := models.Notebook{
		ID:           uuid.New().String(),
		Username:     username,
		Status:       models.NotebookStatusPending,
		Image:        s.policy.Image,
		HostPort:     hostPort,
		URL:          fmt.Sprintf("http://127.0.0.1:%d/?token=%s", hostPort, token),
		DataPath:     workspace,
		Token:        token,
		LastActivity: time.Now(),
	}

	hostConfig, err := s.policy.HostConfig(username, hostPort)
	if err != nil {
		return models.Notebook{}, err
	}

	// Persist the pending row before touching the runtime so the state
	// is visible while the container comes up.
	stmt, err := s.db.Prepare(`
	INSERT INTO notebooks(id, username, status, image, url, host_port, last_activity, docker_container_id, data_path, token)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to prepare db statement: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(notebook.ID, notebook.Username, notebook.Status, notebook.Image, notebook.URL, notebook.HostPort, notebook.LastActivity, "", notebook.DataPath, notebook.Token)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to write notebook to database: %w", err)
	}
	s.broadcastNotebookUpdate(notebook)

	resp, err := s.runtime.CreateContainer(ctx, s.policy.ContainerConfig(username, token), hostConfig, s.policy.ContainerName(username))
	if err != nil {
		s.deleteNotebookRow(notebook.ID)
		return models.Notebook{}, fmt.Errorf("failed to create notebook container: %w", err)
	}
	notebook.DockerContainerID = resp.ID

	if err := s.runtime.StartContainer(ctx, resp.ID); err != nil {
		s.runtime.RemoveContainer(context.Background(), resp.ID) // Cleanup container
		s.deleteNotebookRow(notebook.ID)
		return models.Notebook{}, fmt.Errorf("failed to start notebook container: %w", err)
	}
	notebook.Status = models.NotebookStatusRunning

	_, err = s.db.Exec("UPDATE notebooks SET status = ?, docker_container_id = ? WHERE id = ?", notebook.Status, notebook.DockerContainerID, notebook.ID)
	if err != nil {
		s.runtime.StopContainer(context.Background(), notebook.DockerContainerID)
		s.runtime.RemoveContainer(context.Background(), notebook.DockerContainerID) // Cleanup container
		s.deleteNotebookRow(notebook.ID)
		return models.Notebook{}, fmt.Errorf("failed to record running notebook in database: %w", err)
	}

	newNotebook, err := s.GetNotebookForUser(username)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("failed to read back spawned notebook: %w", err)
	}
	s.broadcastNotebookUpdate(newNotebook)

	s.eventService.CreateEvent("notebook.spawn", "info", fmt.Sprintf("Notebook for '%s' was spawned.", username), &username)
	log.Info().Str("username", username).Str("image", notebook.Image).Str("container_id", notebook.DockerContainerID).Int("host_port", hostPort).Msg("Successfully spawned notebook")
	return newNotebook, nil
}

// deleteNotebookRow discards a notebook row after a failed spawn.
func (s *NotebookService) deleteNotebookRow(id string) {
	if _, err := s.db.Exec("DELETE FROM notebooks WHERE id = ?", id); err != nil {
		log.Error().Err(err).Str("notebook_id", id).Msg("Failed to remove notebook row after failed spawn")
	}
}

// ensureImage applies the configured image pull policy before a spawn.
func (s *NotebookService) ensureImage(ctx context.Context) error {
	imageName := s.policy.Image

	if s.policy.PullPolicy == "always" {
		return s.pullImage(ctx, imageName)
	}

	_, err := s.runtime.InspectImage(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %q: %w", imageName, err)
	}

	if s.policy.PullPolicy == "never" {
		return fmt.Errorf("image %q is not present locally and the pull policy is 'never'", imageName)
	}
	return s.pullImage(ctx, imageName)
}

func (s *NotebookService) pullImage(ctx context.Context, imageName string) error {
	log.Info().Str("image", imageName).Msg("Pulling notebook image")
	puller, err := s.runtime.PullImage(ctx, imageName)
	if err != nil {
		return fmt.Errorf("failed to start image pull: %w", err)
	}
	defer puller.Close()
	io.Copy(io.Discard, puller)
	log.Info().Str("image", imageName).Msg("Image pulled successfully")
	return nil
}

// StopNotebook stops a user's notebook. The container is removed (it is
// recreated on the next spawn); the workspace directory is preserved.
func (s *NotebookService) StopNotebook(ctx context.Context, username string) error {
	notebook, err := s.GetNotebookForUser(username)
	if err != nil {
		return fmt.Errorf("could not find notebook to stop: %w", err)
	}

	if notebook.DockerContainerID != "" {
		log.Info().Str("container_id", notebook.DockerContainerID).Str("username", username).Msg("Stopping and removing notebook container")
		s.runtime.StopContainer(ctx, notebook.DockerContainerID)
		if err := s.runtime.RemoveContainer(ctx, notebook.DockerContainerID); err != nil && !client.IsErrNotFound(err) {
			log.Warn().Err(err).Str("container_id", notebook.DockerContainerID).Msg("Could not remove container while stopping notebook")
		}
	}

	_, err = s.db.Exec("UPDATE notebooks SET status = ?, docker_container_id = '' WHERE username = ?", models.NotebookStatusStopped, username)
	if err != nil {
		return fmt.Errorf("failed to update notebook status in DB: %w", err)
	}

	updated, _ := s.GetNotebookForUser(username)
	s.broadcastNotebookUpdate(updated)
	s.eventService.CreateEvent("notebook.stop", "info", fmt.Sprintf("Notebook for '%s' was stopped.", username), &username)
	return nil
}

// DeleteNotebook stops and removes a user's notebook record. The
// private workspace is deleted only when purgeWorkspace is set.
func (s *NotebookService) DeleteNotebook(ctx context.Context, username string, purgeWorkspace bool) error {
	notebook, err := s.GetNotebookForUser(username)
	if err != nil {
		return fmt.Errorf("could not find notebook to delete: %w", err)
	}

	if notebook.DockerContainerID != "" {
		s.runtime.StopContainer(ctx, notebook.DockerContainerID)
		if err := s.runtime.RemoveContainer(ctx, notebook.DockerContainerID); err != nil && !client.IsErrNotFound(err) {
			log.Warn().Err(err).Str("container_id", notebook.DockerContainerID).Msg("Could not remove container during notebook deletion")
		}
	}

	if _, err := s.db.Exec("DELETE FROM notebooks WHERE username = ?", username); err != nil {
		return fmt.Errorf("failed to delete notebook from DB: %w", err)
	}

	if purgeWorkspace && notebook.DataPath != "" {
		log.Info().Str("data_path", notebook.DataPath).Msg("Deleting notebook workspace")
		if err := os.RemoveAll(notebook.DataPath); err != nil {
			log.Warn().Err(err).Str("data_path", notebook.DataPath).Msg("Failed to delete workspace directory")
		}
	}

	s.eventService.CreateEvent("notebook.delete", "warn", fmt.Sprintf("Notebook for '%s' was deleted.", username), nil)
	s.hub.Broadcast <- []byte(`{"action": "notebook_deleted", "payload": "` + username + `"}`)
	return nil
}

// StopAllNotebooks stops every running notebook. Used on hub shutdown
// and by the scheduled maintenance window.
func (s *NotebookService) StopAllNotebooks(ctx context.Context) error {
	notebooks, err := s.GetAllNotebooks()
	if err != nil {
		return err
	}

	var firstErr error
	for _, nb := range notebooks {
		if nb.Status != models.NotebookStatusRunning && nb.Status != models.NotebookStatusPending {
			continue
		}
		if err := s.StopNotebook(ctx, nb.Username); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TouchActivity records user activity on a notebook, deferring the idle
// culler.
func (s *NotebookService) TouchActivity(username string) error {
	_, err := s.db.Exec("UPDATE notebooks SET last_activity = CURRENT_TIMESTAMP WHERE username = ?", username)
	return err
}

// UpdateNotebookStats updates the resource usage for a notebook and broadcasts it.
func (s *NotebookService) UpdateNotebookStats(notebook models.Notebook) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update the main notebooks table
	_, err = tx.Exec(`
	UPDATE notebooks
	SET status = ?, cpu_usage = ?, ram_usage = ?, storage_usage = ?
	WHERE id = ?`,
		notebook.Status, notebook.Resources.CPU, notebook.Resources.RAM, notebook.Resources.Storage, notebook.ID)
	if err != nil {
		return err
	}

	// Insert into history table
	_, err = tx.Exec(`
	INSERT INTO resource_history (notebook_id, cpu_usage, ram_usage)
	VALUES (?, ?, ?)`,
		notebook.ID, notebook.Resources.CPU, notebook.Resources.RAM)
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	s.broadcastNotebookUpdate(notebook)
	return nil
}

// MarkNotebookOOMKilled records that the container runtime killed a
// notebook for exceeding its memory ceiling.
func (s *NotebookService) MarkNotebookOOMKilled(notebook models.Notebook) error {
	_, err := s.db.Exec("UPDATE notebooks SET status = ? WHERE id = ?", models.NotebookStatusOOMKilled, notebook.ID)
	if err != nil {
		return err
	}

	notebook.Status = models.NotebookStatusOOMKilled
	s.broadcastNotebookUpdate(notebook)
	msg := fmt.Sprintf("Notebook for '%s' was killed by the container runtime for exceeding its memory limit.", notebook.Username)
	s.eventService.CreateEvent("notebook.oom", "error", msg, &notebook.Username)
	log.Warn().Str("username", notebook.Username).Str("container_id", notebook.DockerContainerID).Msg("Notebook OOM killed")
	return nil
}

// StreamNotebookLogs streams a notebook container's logs to a websocket client.
func (s *NotebookService) StreamNotebookLogs(ctx context.Context, username string, sendChan chan []byte) {
	notebook, err := s.GetNotebookForUser(username)
	if err != nil {
		log.Warn().Str("username", username).Msg("Cannot stream logs, notebook not found")
		return
	}

	logReader, err := s.runtime.GetContainerLogs(ctx, notebook.DockerContainerID, true)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("username", username).Msg("Failed to get container logs")
		}
		return
	}
	defer logReader.Close()

	scanner := bufio.NewScanner(logReader)
	for scanner.Scan() {
		wsMsg := websocket.Message{
			Action:  "log_message",
			Payload: scanner.Text(),
		}
		jsonMsg, _ := json.Marshal(wsMsg)

		select {
		case <-ctx.Done():
			log.Info().Str("username", username).Msg("Client disconnected, stopping log stream.")
			return
		case sendChan <- jsonMsg:
			// Message was successfully sent to the client's channel.
		}
	}

	if err := scanner.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("username", username).Msg("Error reading logs from container")
		}
	}
}

// GetDashboardStatistics aggregates hub-wide notebook and host metrics
// for the admin dashboard.
func (s *NotebookService) GetDashboardStatistics() (models.DashboardStats, error) {
	notebooks, err := s.GetAllNotebooks()
	if err != nil {
		return models.DashboardStats{}, err
	}

	stats := models.DashboardStats{
		TotalNotebooks:     len(notebooks),
		NotebookStatusDist: make(map[string]int),
	}

	for _, nb := range notebooks {
		if nb.Status == models.NotebookStatusRunning {
			stats.RunningNotebooks++
		}
		stats.NotebookStatusDist[nb.Status]++
	}

	row := s.db.QueryRow("SELECT COUNT(*), COUNT(CASE WHEN status = 'pending' THEN 1 END) FROM users")
	if err := row.Scan(&stats.TotalUsers, &stats.PendingUsers); err != nil {
		return stats, err
	}

	stats.Host = collectHostStats()

	rows, err := s.db.Query(`
    SELECT timestamp, SUM(cpu_usage) as total_cpu, SUM(ram_usage) as total_ram
    FROM resource_history
    WHERE timestamp >= ?
    GROUP BY strftime('%Y-%m-%d %H', timestamp)
    ORDER BY timestamp ASC
`, time.Now().Add(-24*time.Hour))
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var dp models.ResourceDataPoint
		var totalCPU, totalRAM sql.NullFloat64
		if err := rows.Scan(&dp.Timestamp, &totalCPU, &totalRAM); err != nil {
			return stats, err
		}
		dp.CPUUsage = totalCPU.Float64
		dp.RAMUsage = totalRAM.Float64
		stats.ResourceHistory = append(stats.ResourceHistory, dp)
	}

	return stats, nil
}

// collectHostStats samples the hub host's own resource usage.
func collectHostStats() models.HostStats {
	var host models.HostStats

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		host.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		host.MemPercent = vm.UsedPercent
		host.MemTotal = vm.Total
		host.MemUsed = vm.Used
	}
	if usage, err := disk.Usage("/"); err == nil {
		host.DiskPercent = usage.UsedPercent
	}
	return host
}

// GetResourceHistory gets recent resource usage for a specific notebook.
func (s *NotebookService) GetResourceHistory(username string) ([]models.ResourceDataPoint, error) {
	notebook, err := s.GetNotebookForUser(username)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT timestamp, cpu_usage, ram_usage FROM resource_history WHERE notebook_id = ? AND timestamp >= ? ORDER BY timestamp ASC",
		notebook.ID, time.Now().Add(-30*time.Minute))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.ResourceDataPoint
	for rows.Next() {
		var dp models.ResourceDataPoint
		if err := rows.Scan(&dp.Timestamp, &dp.CPUUsage, &dp.RAMUsage); err != nil {
			return nil, err
		}
		history = append(history, dp)
	}
	return history, nil
}

// broadcastNotebookUpdate sends a JSON message to all websocket clients
// with the notebook's state.
func (s *NotebookService) broadcastNotebookUpdate(notebook models.Notebook) {
	s.hub.Broadcast <- websocket.NewNotebookUpdateMessage(notebook)
}

// FindAvailablePort starts from a base port and finds the next available TCP port.
func FindAvailablePort(startPort int) (int, error) {
	for port := startPort; port < 65535; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports found")
}
