package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Config holds the application configuration. It is read once at boot
// and applied uniformly; changes require a restart.
type Config struct {
	HubPort      int
	DatabasePath string

	// Spawn policy inputs.
	NotebookImage   string
	NetworkName     string
	ImagePullPolicy string // "never", "missing" or "always"
	MemLimitBytes   int64
	CPULimit        float64

	// Host directories shared with or owned by user containers.
	SharedNotebooksDir string
	SharedDataDir      string
	WorkspaceBase      string

	// Authenticator settings.
	EnableSignup      bool
	OpenSignup        bool // auto-approve new accounts
	MinPasswordLength int
	AdminUsers        []string

	// Background maintenance.
	CullIdleTimeout   time.Duration // 0 disables idle culling
	CullInterval      time.Duration
	ShutdownSchedule  string // optional cron expression, stops all notebooks
	CleanupOnShutdown bool
}

// Load loads configuration from environment variables or sets defaults.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8000"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	memLimit, err := units.RAMInBytes(getEnv("NOTEBOOK_MEM_LIMIT", "8G"))
	if err != nil {
		return nil, fmt.Errorf("invalid NOTEBOOK_MEM_LIMIT: %w", err)
	}

	cpuLimit, err := strconv.ParseFloat(getEnv("NOTEBOOK_CPU_LIMIT", "3.0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid NOTEBOOK_CPU_LIMIT: %w", err)
	}
	if cpuLimit <= 0 {
		return nil, fmt.Errorf("NOTEBOOK_CPU_LIMIT must be positive, got %v", cpuLimit)
	}

	pullPolicy := getEnv("IMAGE_PULL_POLICY", "never")
	switch pullPolicy {
	case "never", "missing", "always":
	default:
		return nil, fmt.Errorf("invalid IMAGE_PULL_POLICY %q", pullPolicy)
	}

	minPasswordLength, err := strconv.Atoi(getEnv("MIN_PASSWORD_LENGTH", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_PASSWORD_LENGTH: %w", err)
	}

	cullIdleTimeout, err := time.ParseDuration(getEnv("CULL_IDLE_TIMEOUT", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid CULL_IDLE_TIMEOUT: %w", err)
	}
	cullInterval, err := time.ParseDuration(getEnv("CULL_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CULL_INTERVAL: %w", err)
	}

	return &Config{
		HubPort:            port,
		DatabasePath:       getEnv("DATABASE_PATH", "./stellarhub.db"),
		NotebookImage:      getEnv("NOTEBOOK_IMAGE", "custom-minimal-notebook:latest"),
		NetworkName:        getEnv("DOCKER_NETWORK_NAME", "stellarhub_default"),
		ImagePullPolicy:    pullPolicy,
		MemLimitBytes:      memLimit,
		CPULimit:           cpuLimit,
		SharedNotebooksDir: getEnv("SHARED_NOTEBOOKS_DIR", "./notebooks"),
		SharedDataDir:      getEnv("SHARED_DATA_DIR", "./data"),
		WorkspaceBase:      getEnv("WORKSPACE_BASE", "./student_work"),
		EnableSignup:       getBoolEnv("ENABLE_SIGNUP", true),
		OpenSignup:         getBoolEnv("OPEN_SIGNUP", true),
		MinPasswordLength:  minPasswordLength,
		AdminUsers:         splitList(getEnv("ADMIN_USERS", "instructor")),
		CullIdleTimeout:    cullIdleTimeout,
		CullInterval:       cullInterval,
		ShutdownSchedule:   getEnv("SHUTDOWN_SCHEDULE", ""),
		CleanupOnShutdown:  getBoolEnv("CLEANUP_ON_SHUTDOWN", true),
	}, nil
}

// Helper to get an environment variable with a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
