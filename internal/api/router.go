package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ppp-one/stellarhub/internal/api/handlers"
	"github.com/ppp-one/stellarhub/internal/auth"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/ppp-one/stellarhub/internal/websocket"
)

// NewRouter creates and configures a new Chi router.
func NewRouter(hub *websocket.Hub, userService services.UserServiceProvider, notebookService services.NotebookServiceProvider, eventService services.EventServiceProvider) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for development
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"}, // Adjust for your frontend URL
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	userHandler := handlers.NewUserHandler(userService)
	notebookHandler := handlers.NewNotebookHandler(notebookService)
	eventHandler := handlers.NewEventHandler(eventService)
	wsHandler := handlers.NewWebSocketHandler(hub, notebookService)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		// Public authentication endpoints
		r.Post("/auth/signup", userHandler.Signup)
		r.Post("/auth/login", userHandler.Login)

		// Authenticated endpoints
		r.Group(func(r chi.Router) {
			r.Use(auth.JWTMiddleware())

			r.Get("/auth/me", userHandler.GetMe)
			r.Post("/auth/password", userHandler.ChangePassword)

			// The authenticated user's own notebook
			r.Route("/notebook", func(r chi.Router) {
				r.Post("/", notebookHandler.Spawn)
				r.Get("/", notebookHandler.GetOwn)
				r.Delete("/", notebookHandler.StopOwn)
			})

			// WebSocket connection endpoints
			r.Get("/ws", wsHandler.Serve)
			r.Get("/ws/notebooks/{username}", wsHandler.Serve)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(auth.AdminMiddleware())

				r.Route("/users", func(r chi.Router) {
					r.Get("/", userHandler.GetAll)
					r.Post("/{username}/approve", userHandler.Approve)
					r.Delete("/{username}", userHandler.Delete)
				})

				r.Route("/notebooks", func(r chi.Router) {
					r.Get("/", notebookHandler.GetAll)
					r.Delete("/{username}", notebookHandler.Delete)
					r.Get("/{username}/history", notebookHandler.GetResourceHistory)
				})

				r.Get("/events", eventHandler.GetRecent)
				r.Get("/dashboard", notebookHandler.GetDashboard)
			})
		})
	})

	return r
}
