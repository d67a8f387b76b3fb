package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ahlgreen/fieldroute/config"
	"github.com/ahlgreen/fieldroute/internal/handler"
	"github.com/ahlgreen/fieldroute/internal/middleware"
	"github.com/ahlgreen/fieldroute/internal/repository"
	"github.com/ahlgreen/fieldroute/internal/routing"
	"github.com/ahlgreen/fieldroute/internal/service"
	"github.com/ahlgreen/fieldroute/pkg/cache"
	"github.com/ahlgreen/fieldroute/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Routing gateway ─────────────────────────────────
	var gateway routing.Gateway
	if cfg.Routing.Enabled {
		gw, err := routing.NewOSRMGateway(cfg.Routing.BaseURL, cfg.Routing.Timeout)
		if err != nil {
			log.Fatalf("failed to configure routing gateway: %v", err)
		}
		gateway = gw
		log.Printf("✓ Routing gateway enabled (%s)", cfg.Routing.BaseURL)
	} else {
		log.Println("routing gateway disabled, legs use learned estimates")
	}

	// ── Initialize layers ───────────────────────────────
	driverRepo := repository.NewDriverRepository(pgPool)
	locationRepo := repository.NewLocationRepository(pgPool)
	routeRepo := repository.NewRouteRepository(pgPool)
	travelRepo := repository.NewTravelTimeRepository(pgPool, redisClient)

	estimator := service.NewEstimator(travelRepo)
	plannerSvc := service.NewPlannerService(driverRepo, locationRepo, routeRepo, gateway, estimator)
	upsertSvc := service.NewUpsertService(routeRepo, driverRepo, locationRepo, gateway, estimator)
	statsSvc := service.NewStatsService(routeRepo, travelRepo, travelRepo, cfg.TravelTime)
	gateSvc := service.NewGateService(travelRepo, cfg.TravelTime)

	planHandler := handler.NewPlanHandler(plannerSvc)
	routeHandler := handler.NewRouteHandler(routeRepo, upsertSvc)
	stopHandler := handler.NewStopHandler(statsSvc)
	travelHandler := handler.NewTravelTimeHandler(gateSvc)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	// Health check endpoint.
	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)

	// API v1 routes.
	api := router.PathPrefix("/api/v1").Subrouter()
	// Route generation
	api.HandleFunc("/routes/plan", planHandler.PlanAllRoutes).Methods(http.MethodPost)
	api.HandleFunc("/routes/plan/{driver_id}", planHandler.PlanRoute).Methods(http.MethodPost)
	// Route read, revision, lifecycle
	api.HandleFunc("/routes/{id}", routeHandler.GetRoute).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}/stops", routeHandler.ReplaceStops).Methods(http.MethodPut)
	api.HandleFunc("/routes/{id}/status", routeHandler.SetStatus).Methods(http.MethodPost)
	// Driver progress
	api.HandleFunc("/stops/{id}/arrive", stopHandler.Arrive).Methods(http.MethodPost)
	api.HandleFunc("/stops/{id}/depart", stopHandler.Depart).Methods(http.MethodPost)
	// Travel-time review and gating
	api.HandleFunc("/traveltime/stats", travelHandler.ListStats).Methods(http.MethodGet)
	api.HandleFunc("/traveltime/stats/{id}", travelHandler.GetStat).Methods(http.MethodGet)
	api.HandleFunc("/traveltime/stats/{id}/approve", travelHandler.Approve).Methods(http.MethodPost)
	api.HandleFunc("/traveltime/stats/{id}/revert", travelHandler.Revert).Methods(http.MethodPost)
	api.HandleFunc("/traveltime/stats/{id}/reset", travelHandler.Reset).Methods(http.MethodPost)

	// Outermost first: CORS → request logging → panic recovery → router.
	handler := middleware.CORS(middleware.RequestLogger(middleware.Recoverer(router)))

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in a goroutine so we can listen for shutdown signals.
	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
