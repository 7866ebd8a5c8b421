// Package main provides the ETL pipeline command.
//
// Each invocation performs one synchronous batch and exits; scheduling is left to the caller.
//
//	etl run customers        process pending customer partitions
//	etl erase                apply erasure requests from the raw tree
//	etl erase --source=kafka drain the erasure request topic
//	etl kinds                list the dataset kinds
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/retail-pipeline/etl/internal/config"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/erasure"
	"github.com/retail-pipeline/etl/internal/pipeline"
	"github.com/retail-pipeline/etl/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "etl"

	sourceFiles = "files"
	sourceKafka = "kafka"
)

var (
	errUsage         = errors.New("usage: etl [--version] run <kind> | erase [--source=files|kafka] | kinds")
	errErasureViaRun = errors.New("erasure requests are processed with the erase command")
	errUnknownSource = errors.New("unknown erasure source")
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, flag.Args(), os.Stdout, logger)

	stop()

	if err != nil {
		logger.Error("Command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run dispatches one command. Commands that need the database open it themselves.
func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	paths := pipeline.LoadConfig()
	if err := paths.Validate(); err != nil {
		return err
	}

	registry, err := dataset.NewRegistry(dataset.SchemaFS(paths.SchemaDir))
	if err != nil {
		return err
	}

	switch args[0] {
	case "kinds":
		for _, kind := range registry.Kinds() {
			_, _ = fmt.Fprintln(stdout, kind)
		}

		return nil
	case "run":
		if len(args) != 2 {
			return errUsage
		}

		kind := dataset.Kind(args[1])
		if kind == dataset.KindErasureRequests {
			return errErasureViaRun
		}

		if _, err := registry.Get(kind); err != nil {
			return err
		}

		return withStorage(logger, func(env *storageEnv) error {
			runner := pipeline.NewRunner(paths, registry, env.store, env.locker, logger)

			_, err := runner.RunPartitionBatch(ctx, kind)

			return err
		})
	case "erase":
		fs := flag.NewFlagSet("erase", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		source := fs.String("source", sourceFiles, "request source: files or kafka")

		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}

		return withStorage(logger, func(env *storageEnv) error {
			return erase(ctx, *source, paths, registry, env, logger)
		})
	default:
		return errUsage
	}
}

type storageEnv struct {
	store  *storage.RecordStore
	locker *storage.AdvisoryLocker
}

// withStorage opens the database for the duration of fn.
func withStorage(logger *slog.Logger, fn func(env *storageEnv) error) error {
	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Connected to database",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	store, err := storage.NewRecordStore(conn, logger)
	if err != nil {
		return err
	}

	locker, err := storage.NewAdvisoryLocker(conn, logger)
	if err != nil {
		return err
	}

	return fn(&storageEnv{store: store, locker: locker})
}

func erase(
	ctx context.Context,
	source string,
	paths *pipeline.Config,
	registry *dataset.Registry,
	env *storageEnv,
	logger *slog.Logger,
) error {
	cfg := erasure.LoadConfig()
	svc := erasure.NewService(paths, cfg, env.store, env.locker, logger)

	switch source {
	case sourceFiles:
		runner := erasure.NewRunner(
			pipeline.NewRunner(paths, registry, env.store, env.locker, logger, svc.PipelineOption()),
		)

		_, err := runner.RunErasureBatch(ctx)

		return err
	case sourceKafka:
		logger.Info("Draining erasure request topic",
			slog.Any("brokers", cfg.Brokers),
			slog.String("topic", cfg.Topic),
			slog.String("group_id", cfg.GroupID))

		kafkaSource, err := erasure.NewKafkaSource(
			erasure.NewKafkaReader(cfg), svc, registry, env.store, env.locker, cfg, logger)
		if err != nil {
			return err
		}

		defer func() {
			_ = kafkaSource.Close()
		}()

		_, err = kafkaSource.Drain(ctx)

		return err
	default:
		return fmt.Errorf("%w: %q", errUnknownSource, source)
	}
}
