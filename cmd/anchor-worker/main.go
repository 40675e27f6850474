// Package main is the entry point for the anchor worker: it claims ready
// batches and anchors them on chain.
//
// Exit codes: 0 on success, 1 on fatal startup error, 2 when the
// scheduler gives up after repeated failures.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/database"
	"github.com/ceramicnetwork/go-cas/internal/eth"
	"github.com/ceramicnetwork/go-cas/internal/ipfs"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
	"github.com/ceramicnetwork/go-cas/internal/queue"
	"github.com/ceramicnetwork/go-cas/internal/repository"
	"github.com/ceramicnetwork/go-cas/internal/scheduler"
	"github.com/ceramicnetwork/go-cas/internal/service"
)

// Anchor pass failures exit 1 like any runtime error; a bad configuration
// exits 2, matching the flag package's convention for usage errors.
const (
	exitOK               = 0
	exitSchedulerFailure = 1
	exitStartupError     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	once := flag.Bool("once", false, "run a single anchor pass and exit")
	flag.Parse()

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
		logger.Error("Failed to load config", "error", err)
		return exitStartupError
	}
	logger.Info("Starting anchor worker", slog.String("environment", cfg.Server.Environment))

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		return exitStartupError
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		return exitStartupError
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ipfsService, err := ipfs.NewService(cfg.IPFS, logger)
	if err != nil {
		logger.Error("Failed to create IPFS service", "error", err)
		return exitStartupError
	}

	var s3Client *s3.Client
	var sqsClient *sqs.Client
	if cfg.CARStore.Backend == "s3" || cfg.Queue.Backend == "sqs" {
		awsCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.CARStore.Region))
		if err != nil {
			logger.Error("Failed to load AWS config", "error", err)
			return exitStartupError
		}
		s3Client = s3.NewFromConfig(awsCfg)
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	carStore, err := service.NewMerkleCarService(rootCtx, cfg.CARStore, s3Client, logger)
	if err != nil {
		logger.Error("Failed to create CAR store", "error", err)
		return exitStartupError
	}

	ethClient, err := ethclient.DialContext(rootCtx, cfg.Ethereum.RPCURL)
	if err != nil {
		logger.Error("Failed to connect to Ethereum RPC", "error", err)
		return exitStartupError
	}
	submitter, err := eth.NewSubmitter(ethClient, cfg.Ethereum, logger)
	if err != nil {
		logger.Error("Failed to create submitter", "error", err)
		return exitStartupError
	}

	events, err := queue.NewPublisher(cfg.Queue, sqsClient, logger)
	if err != nil {
		logger.Error("Failed to create queue publisher", "error", err)
		return exitStartupError
	}
	var eventPublisher service.BatchEventPublisher
	if events != nil {
		eventPublisher = events
	}

	requestRepo := repository.NewRequestRepository(db.Pool(), cfg.Anchor)
	anchorRepo := repository.NewAnchorRepository(db.Pool())
	locker := repository.NewAdvisoryLocker(db.Pool(), cfg.Anchor)

	anchorService := service.NewAnchorService(
		requestRepo, anchorRepo, ipfsService, submitter, carStore, eventPublisher, cfg.Anchor, logger)

	// One anchor pass, serialized across workers by the advisory lock. A
	// held mutex is not a failure: another worker owns the batch.
	anchorOnce := func(ctx context.Context) error {
		err := locker.WithLock(ctx, repository.AnchorBatchLockID, func(ctx context.Context) error {
			return anchorService.AnchorRequests(ctx)
		})
		if errors.Is(err, apierrors.ErrMutexAcquisition) {
			logger.Info("anchor mutex held elsewhere, skipping pass")
			return nil
		}
		return err
	}

	if *once {
		if err := anchorOnce(rootCtx); err != nil {
			logger.Error("anchor pass failed", "error", err)
			return exitSchedulerFailure
		}
		return exitOK
	}

	anchorScheduler := scheduler.New("anchor", cfg.Scheduler.AnchorInterval, func(ctx context.Context) (bool, error) {
		return true, anchorOnce(ctx)
	}, logger)

	if err := anchorScheduler.Run(rootCtx); err != nil {
		logger.Error("anchor scheduler gave up", "error", err)
		return exitSchedulerFailure
	}
	logger.Info("anchor worker stopped gracefully")
	return exitOK
}
