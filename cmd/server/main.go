package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-contract-approvals/internal/client"
	"github.com/pesio-ai/be-contract-approvals/internal/config"
	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/handler"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/middleware"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
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
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Contract Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	var store repository.Store
	var db *database.DB
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		store = repository.NewMemoryStore()
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
	default:
		db, err = database.New(ctx, database.Config{
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
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	}

	// Initialize notification gateway
	var gateway service.NotificationGateway
	if cfg.NATS.URL != "" {
		natsConn, err := client.ConnectNATS(ctx, cfg.NATS.URL, cfg.Service.Name, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		gateway = client.NewNotificationPublisher(natsConn.JetStream, cfg.NATS.SubjectPrefix, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS JetStream connection established")
	} else {
		gateway = service.NewLogGateway(log)
		log.Warn().Msg("NATS_URL not set; notifications will only be logged")
	}

	// Initialize services
	m := metrics.New()
	auditChain := service.NewAuditChain(store, m, log, service.AuditConfig{
		VerifyDefaultLimit: cfg.Approvals.VerifyDefaultLimit,
		VerifyMaxLimit:     cfg.Approvals.VerifyMaxLimit,
	})
	flowService := service.NewFlowTemplateService(store, auditChain, log)
	workflowService := service.NewApprovalWorkflowService(store, auditChain, gateway, m, log, service.WorkflowConfig{
		BaseURL: cfg.Approvals.BaseURL,
	})
	magicLinkService := service.NewMagicLinkService(store, auditChain, m, log, service.MagicLinkConfig{
		DefaultTTL: cfg.Approvals.MagicLinkTTL,
		BaseURL:    cfg.Approvals.BaseURL,
	})

	// Setup HTTP routes
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", m.Handler())

	handler.NewHTTPHandler(flowService, workflowService, magicLinkService, auditChain, log).Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
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

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryRecovery(log),
		handler.UnaryLogging(log),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(workflowService, magicLinkService, auditChain, log))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
