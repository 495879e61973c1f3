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

	_ "net/http/pprof"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"

	"github.com/urfave/cli/v2"

	"github.com/zebraintel/guildmirror/pkg/bqsink"
	"github.com/zebraintel/guildmirror/pkg/mirror"
	"github.com/zebraintel/guildmirror/pkg/parq"
)

func main() {
	app := cli.App{
		Name:    "mirror",
		Usage:   "discord gateway stream consumer maintaining a relational mirror",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "discord-token",
			Usage:    "Discord bot token used for the gateway session and history pagination",
			Required: true,
			EnvVars:  []string{"GM_DISCORD_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"GM_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"GM_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/guild-mirror.db",
			EnvVars: []string{"GM_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"GM_MIGRATE_DB"},
		},
		&cli.DurationFlag{
			Name:    "event-ttl",
			Usage:   "time to live for gateway event observability rows",
			Value:   72 * time.Hour,
			EnvVars: []string{"GM_EVENT_TTL"},
		},
		&cli.DurationFlag{
			Name:    "liveness-window",
			Usage:   "recycle the gateway connection when no events arrive for this long (0 disables)",
			Value:   5 * time.Minute,
			EnvVars: []string{"GM_LIVENESS_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "max-backoff",
			Usage:   "upper bound on the reconnect backoff delay",
			Value:   2 * time.Minute,
			EnvVars: []string{"GM_MAX_BACKOFF"},
		},
		&cli.IntFlag{
			Name:    "backfill-workers",
			Usage:   "number of concurrent backfill jobs",
			Value:   4,
			EnvVars: []string{"GM_BACKFILL_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "backfill-page-size",
			Usage:   "messages per history page",
			Value:   100,
			EnvVars: []string{"GM_BACKFILL_PAGE_SIZE"},
		},
		&cli.Float64Flag{
			Name:    "backfill-rate-limit",
			Usage:   "shared pagination budget in requests per second",
			Value:   5,
			EnvVars: []string{"GM_BACKFILL_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "sweep-schedule",
			Usage:   "cron expression for periodic full backfill sweeps (empty disables)",
			Value:   "0 4 * * *",
			EnvVars: []string{"GM_SWEEP_SCHEDULE"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-grace",
			Usage:   "how long to wait for in-flight work on shutdown",
			Value:   15 * time.Second,
			EnvVars: []string{"GM_SHUTDOWN_GRACE"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for the BigQuery export sink",
			EnvVars: []string{"GM_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"GM_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"GM_BIGQUERY_TABLE_PREFIX"},
			Value:   "messages",
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory for the parquet archive (empty disables)",
			EnvVars: []string{"GM_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "records per parquet file",
			Value:   50_000,
			EnvVars: []string{"GM_PARQUET_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "parquet-max-batch-wait",
			Usage:   "max time to hold a partial parquet batch",
			Value:   5 * time.Minute,
			EnvVars: []string{"GM_PARQUET_MAX_BATCH_WAIT"},
		},
	}

	app.Action = GuildMirror

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// GuildMirror is the main function for the ingestion engine
func GuildMirror(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	store, err := mirror.NewStore(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}

	var bqInstance *bqsink.BQ
	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting export sink")
		bqInstance, err = bqsink.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery sink", "error", err)
			return err
		}
	}

	var parquetArchive *parq.Parq
	if cctx.String("parquet-dir") != "" {
		logger.Info("parquet dir set, starting archive writer")
		parquetArchive, err = parq.NewParq(
			logger,
			cctx.String("parquet-dir"),
			"messages",
			cctx.Int("parquet-batch-size"),
			cctx.Duration("parquet-max-batch-wait"),
		)
		if err != nil {
			logger.Error("failed to create parquet archive", "error", err)
			return err
		}
		parquetArchive.StartWriter()
	}

	engine, err := mirror.NewEngine(
		logger,
		cctx.String("discord-token"),
		store,
		mirror.EngineConfig{
			Consumer: mirror.ConsumerConfig{
				MaxBackoff:     cctx.Duration("max-backoff"),
				LivenessWindow: cctx.Duration("liveness-window"),
			},
			Backfill: mirror.BackfillConfig{
				Workers:    cctx.Int("backfill-workers"),
				PageSize:   cctx.Int("backfill-page-size"),
				RatePerSec: cctx.Float64("backfill-rate-limit"),
			},
			EventTTL:      cctx.Duration("event-ttl"),
			SweepSchedule: cctx.String("sweep-schedule"),
			ShutdownGrace: cctx.Duration("shutdown-grace"),
		},
		bqInstance,
		parquetArchive,
	)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return err
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/messages", engine.HandleGetMessages)
	e.GET("/channels", engine.HandleGetChannels)
	e.GET("/servers", engine.HandleGetServers)
	e.GET("/stats", engine.HandleGetStats)
	e.GET("/status", engine.HandleGetStatus)
	e.POST("/resync/:channel_id", engine.HandleResyncChannel)
	e.POST("/pause", engine.HandlePause)
	e.POST("/resume", engine.HandleResume)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Guild Mirror")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case err := <-engine.Errors():
		logger.Error("shutting down due to engine error", "error", err)
	}

	logger.Info("shutting down, waiting for routines to finish")

	// Cancelling the root context stops the consumer and flushes the sinks;
	// Stop then waits out the grace period.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop engine", "error", err)
	}

	close(shutdownHTTPServer)
	<-httpServerShutdown

	logger.Info("shutdown complete")

	return nil
}
