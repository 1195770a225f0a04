package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"github.com/ppp-one/stellarhub/internal/config"
	"github.com/ppp-one/stellarhub/internal/database"
	"github.com/ppp-one/stellarhub/internal/models"
	"github.com/ppp-one/stellarhub/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createCall struct {
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
}

// fakeRuntime implements ContainerRuntime in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	created    []createCall
	started    []string
	stopped    []string
	removed    []string
	imageErr   error
	startErr   error
	pulled     bool
	createHook func()
}

func (f *fakeRuntime) CreateContainer(_ context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	if f.createHook != nil {
		f.createHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, createCall{config: config, hostConfig: hostConfig, name: name})
	return container.CreateResponse{ID: uuid.New().String()}, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{}, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeRuntime) GetContainerLogs(_ context.Context, _ string, _ bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) GetContainerStats(_ context.Context, _ string) (*container.StatsResponse, error) {
	return &container.StatsResponse{}, nil
}

func (f *fakeRuntime) ListManagedContainers(_ context.Context) ([]types.Container, error) {
	return nil, nil
}

func (f *fakeRuntime) InspectImage(_ context.Context, imageName string) (types.ImageInspect, error) {
	if f.imageErr != nil {
		return types.ImageInspect{}, f.imageErr
	}
	return types.ImageInspect{ID: imageName}, nil
}

func (f *fakeRuntime) PullImage(_ context.Context, _ string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = true
	return io.NopCloser(strings.NewReader("")), nil
}

type testEnv struct {
	notebooks *NotebookService
	users     *UserService
	events    *EventService
	runtime   *fakeRuntime
	policy    SpawnPolicy
}

func newTestEnv(t *testing.T, mutate func(*SpawnPolicy, *config.Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		EnableSignup:      true,
		OpenSignup:        true,
		MinPasswordLength: 8,
		AdminUsers:        []string{"instructor"},
	}
	policy := SpawnPolicy{
		Image:           "custom-minimal-notebook:latest",
		NetworkName:     "stellarhub_default",
		PullPolicy:      "never",
		MemLimitBytes:   8 * 1024 * 1024 * 1024,
		NanoCPUs:        NanoCPUsFromLimit(3.0),
		SharedNotebooks: filepath.Join(dir, "notebooks"),
		SharedData:      filepath.Join(dir, "data"),
		WorkspaceBase:   filepath.Join(dir, "student_work"),
	}
	if mutate != nil {
		mutate(&policy, cfg)
	}

	hub := websocket.NewHub()
	go hub.Run()

	runtime := &fakeRuntime{}
	users := NewUserService(db, cfg)
	events := NewEventService(db)
	notebooks := NewNotebookService(db, runtime, hub, users, events, policy)

	return &testEnv{notebooks: notebooks, users: users, events: events, runtime: runtime, policy: policy}
}

func TestSpawnAppliesPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, env.runtime.created, 1)
	call := env.runtime.created[0]

	assert.Equal(t, "stellarhub-alice", call.name)
	assert.Equal(t, env.policy.Image, call.config.Image)
	assert.Equal(t, env.policy.MemLimitBytes, call.hostConfig.Resources.Memory)
	assert.Equal(t, env.policy.NanoCPUs, call.hostConfig.Resources.NanoCPUs)
	assert.Len(t, env.runtime.started, 1)

	assert.Equal(t, models.NotebookStatusRunning, notebook.Status)
	assert.Contains(t, notebook.URL, notebook.Token)
	assert.DirExists(t, filepath.Join(env.policy.WorkspaceBase, "alice"))
}

func TestSpawnRefusedForUnknownUser(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.notebooks.SpawnNotebook(context.Background(), "ghost")
	require.Error(t, err)
	assert.Empty(t, env.runtime.created)
}

func TestSpawnRefusedForPendingUser(t *testing.T) {
	env := newTestEnv(t, func(_ *SpawnPolicy, cfg *config.Config) {
		cfg.OpenSignup = false
	})
	_, err := env.users.CreateUser("bob", "correct-horse")
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awaiting approval")
	assert.Empty(t, env.runtime.created)
}

func TestSecondSpawnReturnsExistingNotebook(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	first, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
	second, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.runtime.created, 1)
}

func TestSpawnFailsWhenImageMissingAndPullNever(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runtime.imageErr = fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull policy")
	assert.Empty(t, env.runtime.created)
	assert.False(t, env.runtime.pulled)
}

func TestSpawnPullsMissingImage(t *testing.T) {
	env := newTestEnv(t, func(p *SpawnPolicy, _ *config.Config) {
		p.PullPolicy = "missing"
	})
	env.runtime.imageErr = fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, env.runtime.pulled)
	assert.Len(t, env.runtime.created, 1)
}

func TestSpawnRefusesWorkspaceOutsideBase(t *testing.T) {
	env := newTestEnv(t, nil)

	// Signup validation rejects path-shaped usernames, so plant an
	// approved account with one directly to prove the spawn path holds
	// on its own.
	_, err := env.notebooks.db.Exec(
		"INSERT INTO users(id, username, password_hash, is_admin, status) VALUES(?, ?, ?, ?, ?)",
		uuid.New().String(), "../outside/victim", "x", false, models.UserStatusApproved)
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "../outside/victim")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace base")

	assert.Empty(t, env.runtime.created)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(env.policy.WorkspaceBase), "outside"))
}

func TestSpawnPersistsPendingRowBeforeContainerCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	var statusAtCreate string
	env.runtime.createHook = func() {
		nb, err := env.notebooks.GetNotebookForUser("alice")
		require.NoError(t, err)
		statusAtCreate = nb.Status
	}

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, models.NotebookStatusPending, statusAtCreate)
	assert.Equal(t, models.NotebookStatusRunning, notebook.Status)
}

func TestSpawnCleansUpWhenStartFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runtime.startErr = fmt.Errorf("boom")

	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.Error(t, err)

	// Neither a row nor a container is left behind, so the next spawn
	// starts clean.
	_, err = env.notebooks.GetNotebookForUser("alice")
	assert.ErrorIs(t, err, ErrNotebookNotFound)
	require.Len(t, env.runtime.created, 1)
	require.Len(t, env.runtime.removed, 1)
	assert.NotEmpty(t, env.runtime.removed[0])

	env.runtime.removed = nil
	env.runtime.startErr = nil
	_, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
}

func TestRespawnAfterOOMRemovesStaleContainer(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
	staleID := notebook.DockerContainerID
	require.NotEmpty(t, staleID)

	// The runtime killed the container; it was never stopped through
	// the hub, so it still occupies the deterministic name.
	require.NoError(t, env.notebooks.MarkNotebookOOMKilled(notebook))

	respawned, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	assert.Contains(t, env.runtime.removed, staleID)
	assert.NotEqual(t, staleID, respawned.DockerContainerID)
	assert.Len(t, env.runtime.created, 2)
}

func TestStopPreservesWorkspace(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	workspaceFile := filepath.Join(notebook.DataPath, "analysis.ipynb")
	require.NoError(t, os.WriteFile(workspaceFile, []byte("{}"), 0o644))

	require.NoError(t, env.notebooks.StopNotebook(context.Background(), "alice"))

	assert.Contains(t, env.runtime.stopped, notebook.DockerContainerID)
	assert.Contains(t, env.runtime.removed, notebook.DockerContainerID)
	assert.FileExists(t, workspaceFile)

	stopped, err := env.notebooks.GetNotebookForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, models.NotebookStatusStopped, stopped.Status)
	assert.Empty(t, stopped.DockerContainerID)
}

func TestRespawnAfterImageChangeUsesNewImage(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	_, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, env.notebooks.StopNotebook(context.Background(), "alice"))

	// An operator edits the image and restarts the hub: same database,
	// new policy value.
	newPolicy := env.policy
	newPolicy.Image = "custom-minimal-notebook:v2"
	restarted := NewNotebookService(env.notebooks.db, env.runtime, env.notebooks.hub, env.users, env.events, newPolicy)

	notebook, err := restarted.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, "custom-minimal-notebook:v2", notebook.Image)
	last := env.runtime.created[len(env.runtime.created)-1]
	assert.Equal(t, "custom-minimal-notebook:v2", last.config.Image)
}

func TestDeleteNotebookPurgesWorkspaceOnlyWhenAsked(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, env.notebooks.DeleteNotebook(context.Background(), "alice", false))
	assert.DirExists(t, notebook.DataPath)
	_, err = env.notebooks.GetNotebookForUser("alice")
	assert.ErrorIs(t, err, ErrNotebookNotFound)

	// Spawn again, then delete with purge.
	notebook, err = env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, env.notebooks.DeleteNotebook(context.Background(), "alice", true))
	assert.NoDirExists(t, notebook.DataPath)
}

func TestMarkNotebookOOMKilled(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.CreateUser("alice", "correct-horse")
	require.NoError(t, err)

	notebook, err := env.notebooks.SpawnNotebook(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, env.notebooks.MarkNotebookOOMKilled(notebook))

	updated, err := env.notebooks.GetNotebookForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, models.NotebookStatusOOMKilled, updated.Status)

	events, err := env.events.GetRecentEvents(10)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == "notebook.oom" {
			found = true
		}
	}
	assert.True(t, found, "expected a notebook.oom event")
}
