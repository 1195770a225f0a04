package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ppp-one/stellarhub/internal/api"
	"github.com/ppp-one/stellarhub/internal/config"
	"github.com/ppp-one/stellarhub/internal/database"
	"github.com/ppp-one/stellarhub/internal/docker"
	"github.com/ppp-one/stellarhub/internal/logger"
	"github.com/ppp-one/stellarhub/internal/monitoring"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/ppp-one/stellarhub/internal/websocket"
	"github.com/rs/zerolog/log"
)

func main() {
	logger.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Ensure the base directory for user workspaces exists
	if err := os.MkdirAll(cfg.WorkspaceBase, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create workspace base directory")
	}

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up Docker client
	dockerClient, err := docker.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Docker client")
	}

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up services
	policy := services.SpawnPolicy{
		Image:           cfg.NotebookImage,
		NetworkName:     cfg.NetworkName,
		PullPolicy:      cfg.ImagePullPolicy,
		MemLimitBytes:   cfg.MemLimitBytes,
		NanoCPUs:        services.NanoCPUsFromLimit(cfg.CPULimit),
		SharedNotebooks: cfg.SharedNotebooksDir,
		SharedData:      cfg.SharedDataDir,
		WorkspaceBase:   cfg.WorkspaceBase,
	}

	userService := services.NewUserService(db, cfg)
	eventService := services.NewEventService(db)
	notebookService := services.NewNotebookService(db, dockerClient, hub, userService, eventService, policy)

	// Set up and run the background stats updater
	statUpdater := monitoring.NewStatUpdater(dockerClient, notebookService, eventService)
	go statUpdater.Run()

	// Set up and run the background idle culler
	culler, err := monitoring.NewCuller(notebookService, eventService, cfg.CullIdleTimeout, cfg.CullInterval, cfg.ShutdownSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize culler")
	}
	go culler.Run()

	// Set up router
	router := api.NewRouter(hub, userService, notebookService, eventService)

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HubPort),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.HubPort).Str("image", cfg.NotebookImage).Msg("Hub starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down hub...")

	statUpdater.Stop() // Stop the monitoring service
	culler.Stop()      // Stop the culler

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.CleanupOnShutdown {
		log.Info().Msg("Stopping all notebook containers...")
		if err := notebookService.StopAllNotebooks(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop all notebooks during shutdown")
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Hub forced to shutdown")
	}

	log.Info().Msg("Hub exiting")
}
