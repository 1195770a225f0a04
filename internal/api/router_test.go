package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ppp-one/stellarhub/internal/config"
	"github.com/ppp-one/stellarhub/internal/database"
	"github.com/ppp-one/stellarhub/internal/models"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/ppp-one/stellarhub/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubNotebookService satisfies NotebookServiceProvider for routing tests.
type stubNotebookService struct {
	notebook models.Notebook
}

func (s *stubNotebookService) GetAllNotebooks() ([]models.Notebook, error) { return nil, nil }
func (s *stubNotebookService) GetNotebookForUser(string) (models.Notebook, error) {
	return s.notebook, nil
}
func (s *stubNotebookService) SpawnNotebook(_ context.Context, username string) (models.Notebook, error) {
	s.notebook = models.Notebook{Username: username, Status: models.NotebookStatusRunning}
	return s.notebook, nil
}
func (s *stubNotebookService) StopNotebook(context.Context, string) error         { return nil }
func (s *stubNotebookService) DeleteNotebook(context.Context, string, bool) error { return nil }
func (s *stubNotebookService) StopAllNotebooks(context.Context) error             { return nil }
func (s *stubNotebookService) TouchActivity(string) error                         { return nil }
func (s *stubNotebookService) UpdateNotebookStats(models.Notebook) error          { return nil }
func (s *stubNotebookService) MarkNotebookOOMKilled(models.Notebook) error        { return nil }
func (s *stubNotebookService) StreamNotebookLogs(context.Context, string, chan []byte) {
}
func (s *stubNotebookService) GetDashboardStatistics() (models.DashboardStats, error) {
	return models.DashboardStats{}, nil
}
func (s *stubNotebookService) GetResourceHistory(string) ([]models.ResourceDataPoint, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		EnableSignup:      true,
		OpenSignup:        true,
		MinPasswordLength: 8,
		AdminUsers:        []string{"instructor"},
	}

	hub := websocket.NewHub()
	go hub.Run()

	userService := services.NewUserService(db, cfg)
	eventService := services.NewEventService(db)

	router := NewRouter(hub, userService, &stubNotebookService{}, eventService)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, token string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func loginAs(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()

	resp := postJSON(t, srv.URL+"/api/v1/auth/signup", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var loginResp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token
}

func TestSignupLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	token := loginAs(t, srv, "alice", "correct-horse")

	resp := getWithToken(t, srv.URL+"/api/v1/auth/me", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "alice", me.Username)
	assert.False(t, me.IsAdmin)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	loginAs(t, srv, "alice", "correct-horse")

	resp := postJSON(t, srv.URL+"/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-horse",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)

	resp := getWithToken(t, srv.URL+"/api/v1/auth/me", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/notebook", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSpawnOwnNotebook(t *testing.T) {
	srv := newTestServer(t)
	token := loginAs(t, srv, "alice", "correct-horse")

	resp := postJSON(t, srv.URL+"/api/v1/notebook", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var nb models.Notebook
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nb))
	assert.Equal(t, "alice", nb.Username)
	assert.Equal(t, models.NotebookStatusRunning, nb.Status)
}

func TestAdminRoutesAreGated(t *testing.T) {
	srv := newTestServer(t)
	studentToken := loginAs(t, srv, "alice", "correct-horse")
	adminToken := loginAs(t, srv, "instructor", "correct-horse")

	resp := getWithToken(t, srv.URL+"/api/v1/users", studentToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = getWithToken(t, srv.URL+"/api/v1/users", adminToken)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var users []models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Len(t, users, 2)
}
