// Command retrodict runs one retrodiction training run as a batch job: it
// resolves configuration, assembles the store chain, rule set and pipeline,
// replays the requested observation window and exits with a code summarizing
// the outcome.
//
// Exit codes: 0 success, 1 failure, 2 invalid configuration or arguments,
// 3 cancelled by signal, 4 partial (run completed with failed batches).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	auditmongo "causalis.dev/retrodict/features/audit/mongo"
	clientsmongo "causalis.dev/retrodict/features/audit/mongo/clients/mongo"
	temporaldispatch "causalis.dev/retrodict/features/dispatch/temporal"
	"causalis.dev/retrodict/features/metrics/prom"
	s3store "causalis.dev/retrodict/features/store/s3"
	clients3 "causalis.dev/retrodict/features/store/s3/clients/s3"
	pulsestream "causalis.dev/retrodict/features/stream/pulse"
	clientspulse "causalis.dev/retrodict/features/stream/pulse/clients/pulse"
	"causalis.dev/retrodict/runtime/audit"
	"causalis.dev/retrodict/runtime/config"
	"causalis.dev/retrodict/runtime/coordinator"
	"causalis.dev/retrodict/runtime/curriculum"
	"causalis.dev/retrodict/runtime/events"
	"causalis.dev/retrodict/runtime/metrics"
	"causalis.dev/retrodict/runtime/pipeline"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/results"
	"causalis.dev/retrodict/runtime/retry"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/rules/ruledef"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/store/columnar"
	"causalis.dev/retrodict/runtime/store/rowfile"
	"causalis.dev/retrodict/runtime/telemetry"
	"causalis.dev/retrodict/runtime/trust"
	"causalis.dev/retrodict/runtime/turn"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitInvalidConfig = 2
	exitCancelled     = 3
	exitPartial       = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("retrodict", flag.ContinueOnError)
	var (
		configF    = fs.String("config", "", "YAML configuration file")
		variablesF = fs.String("variables", "", "Comma-separated variables to train (required)")
		startF     = fs.String("start", "", "Window start, RFC 3339 or YYYY-MM-DD (required)")
		endF       = fs.String("end", "", "Window end, RFC 3339 or YYYY-MM-DD (required)")
		datasetF   = fs.String("dataset", "", "Dataset id (overrides config)")
		dbgF       = fs.Bool("debug", false, "Enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return exitInvalidConfig
	}

	// Setup logging. Batch schedulers capture stdout, so default to JSON
	// unless a human is watching.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Error(ctx, err)
		return exitInvalidConfig
	}
	if *datasetF != "" {
		cfg.DatasetID = *datasetF
	}

	vars := splitList(*variablesF)
	if len(vars) == 0 {
		log.Error(ctx, errors.New("at least one -variables entry is required"))
		return exitInvalidConfig
	}
	start, err := parseTime(*startF)
	if err != nil {
		log.Error(ctx, fmt.Errorf("parse -start: %w", err))
		return exitInvalidConfig
	}
	end, err := parseTime(*endF)
	if err != nil {
		log.Error(ctx, fmt.Errorf("parse -end: %w", err))
		return exitInvalidConfig
	}
	if !start.Before(end) {
		log.Error(ctx, fmt.Errorf("start %v is not before end %v", start, end))
		return exitInvalidConfig
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := execute(ctx, cfg, vars, start, end)
	if err != nil {
		log.Error(ctx, err)
	}
	return code
}

// execute assembles the runtime from the resolved configuration and runs one
// training run. Construction failures are configuration errors; only the
// pipeline itself can produce the failure, cancelled and partial codes.
func execute(ctx context.Context, cfg config.Config, vars []string, start, end time.Time) (int, error) {
	logger := telemetry.NewClueLogger()
	meter := telemetry.NewClueMetrics()
	runID := uuid.NewString()

	// Store chain: columnar is the fast path, rowfile the interoperable
	// fallback, S3 the remote archive when configured. Watchers keep the
	// block cache honest when dataset files are republished mid-run.
	colBackend, err := columnar.New(filepath.Join(cfg.DataDir, "columnar"))
	if err != nil {
		return exitInvalidConfig, err
	}
	rowBackend, err := rowfile.New(filepath.Join(cfg.DataDir, "rows"))
	if err != nil {
		return exitInvalidConfig, err
	}
	backends := []store.Backend{colBackend, rowBackend}

	var uploader results.Uploader
	if cfg.S3.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			return exitInvalidConfig, fmt.Errorf("aws config: %w", err)
		}
		s3cli, err := clients3.New(clients3.Options{
			API:    awss3.NewFromConfig(awsCfg),
			Bucket: cfg.S3.Bucket,
		})
		if err != nil {
			return exitInvalidConfig, err
		}
		s3Backend, err := s3store.New(s3store.Options{Client: s3cli, Prefix: cfg.S3.Prefix, Logger: logger})
		if err != nil {
			return exitInvalidConfig, err
		}
		backends = append(backends, s3Backend)
		if uploader, err = s3store.NewUploader(s3cli, cfg.S3.Prefix); err != nil {
			return exitInvalidConfig, err
		}
	}

	st, err := store.Open(store.Options{
		Backends:       backends,
		CacheBytes:     cfg.CacheBytes,
		PrefetchBlocks: cfg.PrefetchBlocks,
		Logger:         logger,
		Metrics:        meter,
	})
	if err != nil {
		return exitInvalidConfig, err
	}
	defer st.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutdown

	for _, root := range []string{colBackend.Root(), rowBackend.Root()} {
		w, err := store.NewWatcher(st, root, logger)
		if err != nil {
			return exitInvalidConfig, fmt.Errorf("dataset watcher %s: %w", root, err)
		}
		defer w.Close() //nolint:errcheck // shutdown
	}

	// Rule set. The registry freezes when training starts.
	registry := rules.NewRegistry()
	if err := ruledef.LoadFiles(ctx, registry, cfg.RuleFiles...); err != nil {
		return exitInvalidConfig, err
	}
	runner, err := turn.NewRunner(turn.Options{Engine: rules.NewEngine(registry)})
	if err != nil {
		return exitInvalidConfig, err
	}

	tracker, err := trust.New(trust.Options{})
	if err != nil {
		return exitInvalidConfig, err
	}
	buffer, err := trust.NewBuffer(trust.BufferOptions{
		Tracker:        tracker,
		FlushThreshold: cfg.TrustFlushThreshold,
		FlushInterval:  cfg.TrustFlushInterval.Std(),
		Logger:         logger,
		Metrics:        meter,
	})
	if err != nil {
		return exitInvalidConfig, err
	}
	defer buffer.Close() //nolint:errcheck // shutdown

	sink, err := prom.New(prom.Options{})
	if err != nil {
		return exitInvalidConfig, err
	}
	collector, err := metrics.NewCollector(metrics.Options{
		Sink:       sink,
		QueueSize:  cfg.MetricsQueueSize,
		DropPolicy: metrics.DropPolicy(cfg.MetricsDropPolicy),
		Logger:     logger,
	})
	if err != nil {
		return exitInvalidConfig, err
	}
	defer collector.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutdown

	// Audit trail: Mongo when configured, hash-chained JSONL files
	// otherwise.
	var auditStore audit.Store
	if cfg.Mongo.Enabled {
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return exitInvalidConfig, fmt.Errorf("mongo connect: %w", err)
		}
		defer mcli.Disconnect(context.WithoutCancel(ctx)) //nolint:errcheck // shutdown
		acli, err := clientsmongo.New(clientsmongo.Options{Client: mcli, Database: cfg.Mongo.Database})
		if err != nil {
			return exitInvalidConfig, err
		}
		if auditStore, err = auditmongo.NewStore(acli); err != nil {
			return exitInvalidConfig, err
		}
	} else {
		if auditStore, err = audit.NewFileStore(cfg.AuditDir); err != nil {
			return exitInvalidConfig, err
		}
	}
	defer auditStore.Close() //nolint:errcheck // shutdown
	trail := audit.NewTrail(auditStore, runID)

	// Lifecycle events go to the in-process bus; Pulse mirrors them onto
	// Redis streams for external observers when enabled.
	bus := events.NewBus()
	if cfg.Pulse.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Pulse.RedisAddr})
		defer rdb.Close() //nolint:errcheck // shutdown
		pcli, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return exitInvalidConfig, err
		}
		pub, err := pulsestream.NewPublisher(pulsestream.Options{
			Client: pcli,
			Prefix: cfg.Pulse.Stream,
			Logger: logger,
		})
		if err != nil {
			return exitInvalidConfig, err
		}
		defer pub.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutdown
		sub, err := pub.Attach(bus)
		if err != nil {
			return exitInvalidConfig, err
		}
		defer sub.Close() //nolint:errcheck // shutdown
	}

	trainer, err := coordinator.NewTrainer(coordinator.TrainerOptions{
		Store:              st,
		Runner:             runner,
		Registry:           registry,
		DatasetID:          cfg.DatasetID,
		Metrics:            collector,
		Trail:              trail,
		CheckpointInterval: cfg.CheckpointIntervalTurns,
		Logger:             logger,
	})
	if err != nil {
		return exitInvalidConfig, err
	}

	var dispatcher coordinator.Dispatcher
	if cfg.Temporal.Enabled {
		d, err := temporaldispatch.New(temporaldispatch.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			TaskQueue:    cfg.Temporal.TaskQueue,
			Executor:     trainer,
			Trust:        buffer,
			BatchTimeout: cfg.BatchTimeout.Std(),
			MaxAttempts:  cfg.MaxRetries,
			Logger:       logger,
		})
		if err != nil {
			return exitInvalidConfig, err
		}
		defer d.Close()
		dispatcher = d
	} else {
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.MaxRetries
		if delay := cfg.RetryBaseDelay.Std(); delay > 0 {
			retryCfg.InitialBackoff = delay
		}
		c, err := coordinator.New(coordinator.Options{
			Executor:         trainer,
			Workers:          cfg.MaxWorkers,
			QueueDepth:       cfg.QueueDepth,
			BatchTimeout:     cfg.BatchTimeout.Std(),
			Retry:            retryCfg,
			MinSuccessRatio:  cfg.MinSuccessRatio,
			MinSampleBatches: cfg.MinSampleBatches,
			Trust:            buffer,
			Bus:              bus,
			Logger:           logger,
			Metrics:          meter,
		})
		if err != nil {
			return exitInvalidConfig, err
		}
		dispatcher = c
	}

	planner, err := plan.New(plan.Options{
		Window: cfg.BatchWindow.Std(),
		Step:   cfg.BatchStep.Std(),
	})
	if err != nil {
		return exitInvalidConfig, err
	}
	var curr *curriculum.Curriculum
	if cfg.CurriculumEnabled {
		if curr, err = curriculum.New(curriculum.Options{}); err != nil {
			return exitInvalidConfig, err
		}
	}
	writer, err := results.NewWriter(results.WriterOptions{
		Dir:      cfg.ResultsDir,
		Uploader: uploader,
		Logger:   logger,
	})
	if err != nil {
		return exitInvalidConfig, err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Config:     cfg,
		Store:      st,
		Registry:   registry,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Planner:    planner,
		Curriculum: curr,
		Results:    writer,
		Trail:      trail,
		Logger:     logger,
	})
	if err != nil {
		return exitInvalidConfig, err
	}

	logger.Info(ctx, "run starting",
		"run_id", runID,
		"dataset", cfg.DatasetID,
		"variables", strings.Join(vars, ","),
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
	)

	pc := &pipeline.Context{RunID: runID, Variables: vars, Start: start, End: end}
	runErr := pipe.Run(ctx, pc)

	switch {
	case runErr != nil && ctx.Err() != nil:
		logger.Warn(ctx, "run cancelled", "run_id", runID)
		return exitCancelled, nil
	case runErr != nil:
		return exitFailure, runErr
	case pc.Aggregate.State() == "cancelled":
		logger.Warn(ctx, "run cancelled", "run_id", runID)
		return exitCancelled, nil
	}

	logger.Info(ctx, "run completed",
		"run_id", runID,
		"batches", pc.Aggregate.Total,
		"succeeded", pc.Aggregate.Succeeded,
		"failed", pc.Aggregate.Failed,
		"summary", pc.Persisted.LocalPath,
		"remote", pc.Persisted.RemoteURI,
	)
	if pc.Aggregate.Failed > 0 {
		return exitPartial, nil
	}
	return exitOK, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("value is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
