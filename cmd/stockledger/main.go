package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/offline"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/scan"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage: stockledger <command> [flags]

commands:
  serve     run the HTTP API (default)
  migrate   apply database migrations and exit
  scan      stage codes from stdin into one scan session and commit
  drain     trigger (or with -local, run) offline queue drains
  stats     show job queue depth and offline mutation counts`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = serve(ctx, cfg, logger)
	case "migrate":
		code = migrate(ctx, cfg, logger)
	case "scan":
		code = scanCommand(ctx, cfg, logger, args)
	case "drain":
		code = drainCommand(ctx, cfg, logger, args)
	case "stats":
		code = statsCommand(ctx, cfg, logger, args)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", command, usage)
		code = cli.ExitFailure
	}
	stop()
	os.Exit(code)
}

func openPool(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*pgxpool.Pool, bool) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, false
	}
	return pool, true
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return cli.ExitFailure
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return cli.ExitFailure
	}
	return cli.ExitOK
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return cli.ExitFailure
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			return cli.ExitFailure
		}
	}

	locker, redisClient, err := app.NewLocker(ctx, cfg)
	if err != nil {
		logger.Error("init locker", slog.Any("error", err))
		return cli.ExitFailure
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services := app.NewServices(cfg, logger, app.ServiceDeps{Pool: pool, Locker: locker, Registerer: metrics.Registerer()})

	jobClient, err := jobs.NewClient(cfg.AsynqRedisOpt())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return cli.ExitFailure
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.AsynqRedisOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	monitor := offline.NewMonitor(jobClient, logger)
	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, services.Engine),
		OfflineHandler:   offline.NewHandler(logger, services.Queue, monitor),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Database:         pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	exit := cli.ExitOK
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			logger.Error("http server", slog.Any("error", err))
			exit = cli.ExitFailure
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return exit
}

func scanCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	mode := fs.String("mode", string(scan.ModeIntake), "intake, dispatch or return")
	warehouse := fs.Int64("warehouse", 0, "warehouse id")
	client := fs.Int64("client", 0, "client id for dispatch and return")
	actor := fs.Int64("actor", 0, "actor id recorded on the entries")
	product := fs.Int64("product", 0, "default product for unknown intake serials")
	condition := fs.String("condition", string(inventory.ConditionGood), "GOOD, DAMAGED or EXPIRED")
	notes := fs.String("notes", "", "notes recorded on the entries")
	jsonOut := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}

	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return cli.ExitFailure
	}
	defer pool.Close()
	locker, redisClient, err := app.NewLocker(ctx, cfg)
	if err != nil {
		logger.Error("init locker", slog.Any("error", err))
		return cli.ExitFailure
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	services := app.NewServices(cfg, logger, app.ServiceDeps{Pool: pool, Locker: locker})

	command, err := cli.NewScanCLI(
		scan.Resolver{Products: services.Catalog, Serials: services.Engine.Serials()},
		services.Engine,
		scan.Config{DebounceWindow: cfg.ScanDebounceWindow, SerialMinLength: cfg.ScanSerialMinLength, Logger: logger},
	)
	if err != nil {
		logger.Error("init scan", slog.Any("error", err))
		return cli.ExitFailure
	}
	return command.Run(ctx, cli.ScanOptions{
		Params: scan.Params{
			Mode:             scan.Mode(*mode),
			WarehouseID:      *warehouse,
			ClientID:         *client,
			ActorID:          *actor,
			DefaultProductID: *product,
			Condition:        inventory.Condition(strings.ToUpper(*condition)),
			Notes:            *notes,
		},
		JSONOutput: *jsonOut,
	})
}

func drainCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	local := fs.Bool("local", false, "drain in this process instead of enqueueing worker tasks")
	jsonOut := fs.Bool("json", false, "print the drain report as JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}
	opts := cli.DrainOptions{DeviceIDs: fs.Args(), Local: *local, JSONOutput: *jsonOut}

	if !*local {
		queueCLI, err := cli.NewQueueCLI(cfg.AsynqRedisOpt())
		if err != nil {
			logger.Error("init queue cli", slog.Any("error", err))
			return cli.ExitFailure
		}
		defer queueCLI.Close()
		return queueCLI.DrainCommand(ctx, opts)
	}

	pool, ok := openPool(ctx, cfg, logger)
	if !ok {
		return cli.ExitFailure
	}
	defer pool.Close()
	locker, redisClient, err := app.NewLocker(ctx, cfg)
	if err != nil {
		logger.Error("init locker", slog.Any("error", err))
		return cli.ExitFailure
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	services := app.NewServices(cfg, logger, app.ServiceDeps{Pool: pool, Locker: locker})
	opts.Drainer, opts.Applier = services.Queue, services.Applier

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer cancel()
	return cli.LocalDrain(drainCtx, opts)
}

func statsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	device := fs.String("device", "", "restrict mutation counts to one device")
	withMutations := fs.Bool("mutations", true, "include offline mutation counts from postgres")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}
	queueCLI, err := cli.NewQueueCLI(cfg.AsynqRedisOpt())
	if err != nil {
		logger.Error("init queue cli", slog.Any("error", err))
		return cli.ExitFailure
	}
	defer queueCLI.Close()

	opts := cli.StatsOptions{DeviceID: *device, JSONOutput: *jsonOut}
	if *withMutations {
		pool, ok := openPool(ctx, cfg, logger)
		if !ok {
			return cli.ExitFailure
		}
		defer pool.Close()
		opts.Mutations = offline.NewQueue(offline.NewPGStore(pool), offline.Config{Logger: logger})
	}
	return queueCLI.StatsCommand(ctx, opts)
}
