// Package main is the entry point for the anchor service API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/database"
	"github.com/ceramicnetwork/go-cas/internal/eth"
	"github.com/ceramicnetwork/go-cas/internal/handler"
	"github.com/ceramicnetwork/go-cas/internal/ipfs"
	"github.com/ceramicnetwork/go-cas/internal/middleware"
	"github.com/ceramicnetwork/go-cas/internal/queue"
	"github.com/ceramicnetwork/go-cas/internal/repository"
	"github.com/ceramicnetwork/go-cas/internal/scheduler"
	"github.com/ceramicnetwork/go-cas/internal/service"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting anchor service API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ipfsService, err := ipfs.NewService(cfg.IPFS, logger)
	if err != nil {
		log.Fatalf("Failed to create IPFS service: %v", err)
	}

	var s3Client *s3.Client
	var sqsClient *sqs.Client
	if cfg.CARStore.Backend == "s3" || cfg.Queue.Backend == "sqs" {
		awsCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.CARStore.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	carStore, err := service.NewMerkleCarService(rootCtx, cfg.CARStore, s3Client, logger)
	if err != nil {
		log.Fatalf("Failed to create CAR store: %v", err)
	}

	requestRepo := repository.NewRequestRepository(db.Pool(), cfg.Anchor)
	anchorRepo := repository.NewAnchorRepository(db.Pool())
	metadataRepo := repository.NewMetadataRepository(db.Pool())
	locker := repository.NewAdvisoryLocker(db.Pool(), cfg.Anchor)

	parser := service.NewAnchorRequestParser()
	metadataService := service.NewMetadataService(metadataRepo, ipfsService, logger)
	witnessService := service.NewWitnessService()
	presenter, err := service.NewRequestPresenter(anchorRepo, carStore, witnessService, logger)
	if err != nil {
		log.Fatalf("Failed to create presenter: %v", err)
	}
	gcService := service.NewGCService(requestRepo, metadataRepo, cfg.Anchor, logger)

	requestHandler := handler.NewRequestHandler(parser, metadataService, requestRepo, presenter, ipfsService, logger)
	infoHandler := handler.NewInfoHandler(fmt.Sprintf("eip155:%d", cfg.Ethereum.ChainID))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		r.Mount("/requests", requestHandler.Routes())
		r.Mount("/service-info", infoHandler.Routes())

		// Manual anchoring is only exposed when the API worker carries the
		// full anchoring stack
		if cfg.Ethereum.RPCURL != "" {
			ethClient, err := ethclient.DialContext(rootCtx, cfg.Ethereum.RPCURL)
			if err != nil {
				log.Fatalf("Failed to connect to Ethereum RPC: %v", err)
			}
			submitter, err := eth.NewSubmitter(ethClient, cfg.Ethereum, logger)
			if err != nil {
				log.Fatalf("Failed to create submitter: %v", err)
			}
			events, err := queue.NewPublisher(cfg.Queue, sqsClient, logger)
			if err != nil {
				log.Fatalf("Failed to create queue publisher: %v", err)
			}
			var eventPublisher service.BatchEventPublisher
			if events != nil {
				eventPublisher = events
			}
			anchorService := service.NewAnchorService(
				requestRepo, anchorRepo, ipfsService, submitter, carStore, eventPublisher, cfg.Anchor, logger)
			anchorHandler := handler.NewAnchorHandler(anchorService, logger)
			r.Mount("/anchors", anchorHandler.Routes())
		}
	})

	// Ready batches are claimed periodically under the advisory lock
	readyScheduler := scheduler.New("ready", cfg.Scheduler.ReadyInterval, func(ctx context.Context) (bool, error) {
		err := locker.WithLock(ctx, repository.AnchorBatchLockID, func(ctx context.Context) error {
			batch, err := requestRepo.FindAndMarkReady(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if len(batch) > 0 {
				logger.Info("batch marked ready", "requests", len(batch))
			}
			return nil
		})
		return true, err
	}, logger)

	gcScheduler := scheduler.New("gc", cfg.Scheduler.GCInterval, func(ctx context.Context) (bool, error) {
		return true, gcService.CollectGarbage(ctx)
	}, logger)

	responder := ipfs.NewResponder(ipfsService, anchorRepo, cfg.IPFS, logger)

	go func() {
		if err := readyScheduler.Run(rootCtx); err != nil {
			logger.Error("ready scheduler stopped", "error", err)
			stop()
		}
	}()
	go func() {
		if err := gcScheduler.Run(rootCtx); err != nil {
			logger.Error("gc scheduler stopped", "error", err)
		}
	}()
	go func() {
		if err := responder.Run(rootCtx); err != nil {
			logger.Error("pubsub responder stopped", "error", err)
		}
	}()

	// Anchor completion events warm the batch archive cache so the first
	// witness lookup after anchoring hits the LRU
	if cfg.Queue.Backend == "sqs" && cfg.Queue.QueueURL != "" {
		consumer := queue.NewConsumer(cfg.Queue, sqsClient, func(ctx context.Context, event queue.AnchorBatchEvent) error {
			_, err := carStore.RetrieveCarFile(ctx, event.ProofCID)
			return err
		}, logger)
		go func() {
			if err := consumer.Run(rootCtx); err != nil {
				logger.Error("queue consumer stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := redis.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
