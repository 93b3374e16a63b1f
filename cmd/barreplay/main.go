package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"barreplay/internal/api"
	"barreplay/internal/cache"
	"barreplay/internal/config"
	"barreplay/internal/database"
	"barreplay/internal/logging"
	"barreplay/internal/market/kline"
	"barreplay/internal/market/replay"
	"barreplay/internal/market/storage"
	"barreplay/internal/monitoring"
	"barreplay/internal/notify"
	"barreplay/internal/orchestrator"
	"barreplay/internal/retry"
)

const defaultConfigPath = "configs/config.yaml"

type flags struct {
	configPath  string
	envFile     string
	ticker      string
	start       string
	end         string
	requestSize int
	queueSize   int
	proxy       string
	tz          string
	out         string
	format      string
	verify      bool
	load        string
	schedule    bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", defaultConfigPath, "config file path")
	flag.StringVar(&f.envFile, "env", ".env", "dotenv file, ignored when missing")
	flag.StringVar(&f.ticker, "ticker", "", "ticker to backfill, e.g. eosusdt")
	flag.StringVar(&f.start, "start", "", "first day (YYYY-MM-DD)")
	flag.StringVar(&f.end, "end", "", "last day, inclusive (YYYY-MM-DD)")
	flag.IntVar(&f.requestSize, "request-size", 0, "minutes per request window")
	flag.IntVar(&f.queueSize, "queue-size", 0, "request windows in flight at most")
	flag.StringVar(&f.proxy, "proxy", "", "HTTP proxy as host:port")
	flag.StringVar(&f.tz, "tz", "", "timezone the dates are read in, e.g. Asia/Shanghai")
	flag.StringVar(&f.out, "out", "", "output file, defaults to <dir>/<ticker>_<start>_<end>.<format>")
	flag.StringVar(&f.format, "format", "", "output format: csv, parquet or json")
	flag.BoolVar(&f.verify, "verify", false, "load the saved file back and compare")
	flag.StringVar(&f.load, "load", "", "load a saved file, print a summary and exit")
	flag.BoolVar(&f.schedule, "schedule", false, "run scheduled daily backfills until interrupted")
	flag.Parse()

	if err := run(f); err != nil {
		logging.GetGlobalLogger().WithError(err).Error("barreplay failed")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.load != "" {
		return loadOnly(ctx, f.load)
	}

	metrics := monitoring.NewMetrics(nil)
	deps, err := connect(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer deps.close()

	pipeline, err := newPipeline(cfg, deps, logger, metrics, !cfg.Schedule.Enabled)
	if err != nil {
		return err
	}

	if cfg.Schedule.Enabled {
		return runScheduled(ctx, cfg, pipeline, deps, logger, metrics)
	}

	start, end, err := cfg.Replay.Dates()
	if err != nil {
		return err
	}
	result, err := pipeline.Run(ctx, orchestrator.Job{Ticker: cfg.Replay.Ticker, StartDate: start, EndDate: end})
	if result != nil && result.Report != nil {
		printReport(result)
	}
	return err
}

// loadConfig layers defaults, the config file, BARREPLAY_ variables and
// flags, in that order.
func loadConfig(f flags) (*config.Config, error) {
	em := config.NewEnvManager("", "")
	if _, err := os.Stat(f.envFile); err == nil {
		if err := em.LoadFromFile(f.envFile); err != nil {
			return nil, err
		}
	}

	cfg := config.Defaults()
	if _, err := os.Stat(f.configPath); err == nil {
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	} else if f.configPath != defaultConfigPath {
		return nil, fmt.Errorf("config file %s: %w", f.configPath, err)
	}

	if err := em.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, f); err != nil {
		return nil, err
	}
	if f.load != "" {
		return cfg, nil
	}
	if err := config.NewValidator(cfg).Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f flags) error {
	var err error
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "ticker":
			cfg.Replay.Ticker = strings.ToLower(f.ticker)
		case "start":
			cfg.Replay.StartDate = f.start
		case "end":
			cfg.Replay.EndDate = f.end
		case "request-size":
			cfg.Replay.RequestSize = f.requestSize
		case "queue-size":
			cfg.Replay.QueueSize = f.queueSize
		case "tz":
			cfg.Replay.Timezone = f.tz
		case "out":
			cfg.Output.Path = f.out
		case "format":
			cfg.Output.Format = f.format
		case "verify":
			cfg.Output.Verify = f.verify
		case "schedule":
			cfg.Schedule.Enabled = f.schedule
		case "proxy":
			host, port, perr := net.SplitHostPort(f.proxy)
			if perr != nil {
				err = fmt.Errorf("invalid -proxy %q: %w", f.proxy, perr)
				return
			}
			cfg.Session.ProxyHost = host
			if cfg.Session.ProxyPort, perr = strconv.Atoi(port); perr != nil {
				err = fmt.Errorf("invalid -proxy port %q", port)
			}
		}
	})
	return err
}

type dependencies struct {
	db        *database.DB
	redis     *cache.RedisCache
	uploader  *storage.ObjectUploader
	publisher *notify.NATSPublisher
	sink      *storage.PostgresSink
}

func connect(ctx context.Context, cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) (*dependencies, error) {
	deps := &dependencies{}
	fail := func(err error) (*dependencies, error) {
		deps.close()
		return nil, err
	}

	if cfg.Database.Enabled {
		db, err := database.NewConnection(ctx, &cfg.Database.Config, logger)
		if err != nil {
			return fail(err)
		}
		deps.db = db
		migrator, err := database.NewMigrator(db)
		if err != nil {
			return fail(err)
		}
		if err := migrator.Up(); err != nil {
			return fail(err)
		}
		deps.sink = storage.NewPostgresSink(db, logger, metrics)
	}

	if cfg.Redis.Enabled {
		r, err := cache.NewRedisCache(ctx, &cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return fail(err)
		}
		deps.redis = r
	}

	if cfg.ObjectStore.Enabled {
		u, err := storage.NewObjectUploader(cfg.ObjectStore.ObjectStoreConfig, logger, metrics)
		if err != nil {
			return fail(err)
		}
		deps.uploader = u
	}

	if cfg.NATS.Enabled {
		p, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return fail(err)
		}
		deps.publisher = p
	}
	return deps, nil
}

func (d *dependencies) close() {
	logger := logging.GetGlobalLogger()
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.WithError(err).Warn("Error closing NATS")
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis")
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing database")
		}
	}
}

func newPipeline(cfg *config.Config, deps *dependencies, logger *logging.Logger, metrics *monitoring.Metrics, interactive bool) (*orchestrator.Pipeline, error) {
	format, err := storage.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	period, err := kline.ParseInterval(cfg.Replay.Period)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Replay.Location()
	if err != nil {
		return nil, err
	}

	var codecOpts []storage.Option
	rcfg := replay.Config{
		Period:   period,
		Location: loc,
		Session:  cfg.Session.Huobi(),
		Scheduler: replay.SchedulerConfig{
			RequestSize:       cfg.Replay.RequestSize,
			QueueSize:         cfg.Replay.QueueSize,
			WindowTimeout:     cfg.Replay.WindowTimeout,
			RequestsPerSecond: cfg.Replay.RequestsPerSecond,
			Retry: &retry.RetryConfig{
				MaxRetries:  cfg.Replay.MaxRetries,
				InitialWait: time.Second,
				MaxWait:     30 * time.Second,
				Factor:      2,
				Jitter:      0.1,
			},
		},
	}
	if interactive {
		rcfg.Progress = os.Stderr
		codecOpts = append(codecOpts, storage.WithProgress(os.Stderr))
	}
	codecOpts = append(codecOpts, storage.WithSpan(period.Duration()))

	codec, err := storage.NewCodec(format, codecOpts...)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.PipelineOption{
		orchestrator.WithPipelineLogger(logger),
		orchestrator.WithPipelineMetrics(metrics),
		orchestrator.WithHistory(orchestrator.NewHistory(cfg.Monitoring.HistorySize)),
	}
	if deps.sink != nil {
		opts = append(opts, orchestrator.WithSink(deps.sink))
	}
	if deps.uploader != nil {
		opts = append(opts, orchestrator.WithUploader(deps.uploader))
	}
	if deps.redis != nil {
		opts = append(opts, orchestrator.WithLocker(deps.redis), orchestrator.WithSummaryStore(deps.redis))
	} else {
		// still serializes cron and POST /backfill runs within this process
		opts = append(opts, orchestrator.WithLocker(cache.NewMemoryLocker()))
	}
	if deps.publisher != nil {
		opts = append(opts, orchestrator.WithPublisher(deps.publisher))
	}

	return orchestrator.NewPipeline(orchestrator.PipelineConfig{
		Replay:     rcfg,
		OutputDir:  cfg.Output.Dir,
		OutputPath: cfg.Output.Path,
		Verify:     cfg.Output.Verify,
		LockTTL:    cfg.Redis.LockTTL,
	}, codec, opts...), nil
}

func runScheduled(ctx context.Context, cfg *config.Config, pipeline *orchestrator.Pipeline, deps *dependencies, logger *logging.Logger, metrics *monitoring.Metrics) error {
	loc, err := cfg.Replay.Location()
	if err != nil {
		return err
	}
	scheduler := orchestrator.NewScheduler(pipeline, loc, cfg.Schedule.LagDays, logger)

	tickers := cfg.Schedule.Tickers
	if len(tickers) == 0 {
		tickers = []string{cfg.Replay.Ticker}
	}
	for _, t := range tickers {
		if _, err := scheduler.AddTask(t, cfg.Schedule.Cron); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	var server *api.Server
	if cfg.Monitoring.Enabled {
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithTasks(scheduler),
			api.WithRunner(pipeline),
		}
		if deps.db != nil {
			opts = append(opts, api.WithHealthCheck("database", deps.db))
		}
		if deps.redis != nil {
			opts = append(opts, api.WithHealthCheck("redis", deps.redis), api.WithSummaries(deps.redis))
		}
		server = api.NewServer(cfg.Monitoring.Addr, metrics, pipeline.History(), opts...)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("Shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return err
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func loadOnly(ctx context.Context, path string) error {
	format, err := storage.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	codec, err := storage.NewCodec(format, storage.WithProgress(os.Stderr))
	if err != nil {
		return err
	}
	store, err := codec.Load(ctx, path)
	if err != nil {
		return err
	}

	fmt.Printf("File:   %s\n", path)
	fmt.Printf("Bars:   %d\n", store.Size())
	if first, last, ok := store.Range(); ok {
		report := store.CheckIntegrity(first, last.Add(time.Minute), time.Minute)
		fmt.Printf("Range:  %s to %s\n", first.Format(time.RFC3339), last.Format(time.RFC3339))
		fmt.Printf("Complete: %.2f%% (%d gaps)\n", report.Completeness, len(report.Gaps))
	}
	return nil
}

func printReport(result *orchestrator.Result) {
	r := result.Report
	fmt.Printf("Backfill report\n")
	fmt.Printf("================\n")
	fmt.Printf("Ticker:       %s %s\n", r.Ticker, r.Period)
	fmt.Printf("Range:        %s to %s\n", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	fmt.Printf("Windows:      %d (%d retries)\n", len(r.Windows), r.Retries)
	fmt.Printf("Bars:         %d of %d (%.2f%%)\n", r.Bars, r.Integrity.ExpectedCount, r.Integrity.Completeness)
	fmt.Printf("Duration:     %s\n", r.Duration.Round(time.Millisecond))
	if result.File != "" {
		fmt.Printf("File:         %s\n", result.File)
	}
	if result.Verified {
		fmt.Printf("Verified:     yes\n")
	}
	if result.Object != "" {
		fmt.Printf("Object:       %s\n", result.Object)
	}
	for i, gap := range r.Integrity.Gaps {
		if i >= 5 {
			fmt.Printf("  ... %d more gaps\n", len(r.Integrity.Gaps)-5)
			break
		}
		fmt.Printf("  gap %s to %s\n", gap.From.Format("2006-01-02 15:04"), gap.To.Format("2006-01-02 15:04"))
	}
}
