package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/config"
	"github.com/kiwari-pos/terminal/internal/handler"
	mw "github.com/kiwari-pos/terminal/internal/middleware"
	"github.com/kiwari-pos/terminal/internal/ws"
)

// Deps is everything the router wires into handlers.
type Deps struct {
	Config   *config.Config
	Orders   handler.OrderStore
	Loyalty  handler.Redeemer
	Conflict handler.ConflictStore
	Resolver handler.IdentityResolver
	Queue    handler.RetryInspector
	Pending  handler.PendingLister
	Alerts   handler.Dismisser
	Hub      *ws.Hub
	Log      *zap.Logger
}

// New creates the Chi router for the local UI API.
func New(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	// The desktop shell serves the UI from its own origin in dev.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	authHandler := handler.NewAuthHandler(d.Config)
	authHandler.RegisterRoutes(r)

	// WebSocket push (token carried in the query string).
	r.Get("/ws/events", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(d.Hub, d.Config.JWTSecret, d.Log, w, req)
	})

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(d.Config.JWTSecret))

		orderHandler := handler.NewOrderHandler(d.Orders, d.Loyalty)
		r.Route("/orders", orderHandler.RegisterRoutes)

		conflictHandler := handler.NewConflictHandler(d.Conflict)
		r.Route("/conflicts", conflictHandler.RegisterRoutes)

		systemHandler := handler.NewSystemHandler(d.Resolver, d.Queue, d.Pending, d.Alerts)
		systemHandler.RegisterRoutes(r)
	})

	return r
}
