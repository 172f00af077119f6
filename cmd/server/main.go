package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/salesops/be-approvals/internal/client"
	"github.com/salesops/be-approvals/internal/config"
	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/handler"
	"github.com/salesops/be-approvals/internal/logger"
	"github.com/salesops/be-approvals/internal/middleware"
	"github.com/salesops/be-approvals/internal/natsclient"
	"github.com/salesops/be-approvals/internal/repository"
	"github.com/salesops/be-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS for outbound notifications; an empty URL disables them
	var nc *natsclient.Client
	if cfg.NATS.URL != "" {
		nc, err = natsclient.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, notifications disabled")
	}

	// Initialize repositories
	templateRepo := repository.NewFlowTemplateRepository(db)
	requestRepo := repository.NewApprovalRequestRepository(db)
	stepRepo := repository.NewStepRecordRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)

	// Initialize notification publisher
	notifier := client.NewNotificationPublisher(nc, log.Logger)

	// Initialize services
	templateService := service.NewTemplateService(templateRepo, log)
	workflowService := service.NewWorkflowService(
		db, templateRepo, requestRepo, stepRepo, documentRepo, directoryRepo, auditRepo, notifier, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(templateService, workflowService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Flow template routes
	mux.HandleFunc("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListTemplates(w, r)
		case http.MethodPost:
			httpHandler.CreateTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/templates/get", httpHandler.GetTemplate)
	mux.HandleFunc("/api/v1/templates/update", httpHandler.UpdateTemplate)
	mux.HandleFunc("/api/v1/templates/delete", httpHandler.DeleteTemplate)

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/submit", httpHandler.SubmitForApproval)
	mux.HandleFunc("/api/v1/approvals/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/approvals/active", httpHandler.GetActiveRequest)
	mux.HandleFunc("/api/v1/approvals/tasks", httpHandler.GetPendingTasks)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.GetHistory)
	mux.HandleFunc("/api/v1/approvals/audit", httpHandler.GetAuditTrail)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
