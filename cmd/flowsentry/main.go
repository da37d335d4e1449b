package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"flowsentry/config"
	"flowsentry/internal/alerts"
	"flowsentry/internal/archive"
	"flowsentry/internal/collector"
	"flowsentry/internal/detect"
	"flowsentry/internal/feeds"
	"flowsentry/internal/hoststate"
	"flowsentry/internal/ledger"
	"flowsentry/internal/logger"
	"flowsentry/internal/notify"
	"flowsentry/internal/processor"
	"flowsentry/internal/rules"
	"flowsentry/internal/settings"
	"flowsentry/internal/store"
	"flowsentry/internal/tagging"
	"flowsentry/internal/watchdog"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("flowsentry.yml"); err == nil {
		return "flowsentry.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "flowsentry.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "flowsentry.yml"
}

// loadConfig runs with defaults when no file exists. An unparseable file
// is a startup error.
func loadConfig(configArg string) (*config.Config, string) {
	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Warning: %s not found, running with defaults", configPath)
		cfg = &config.Config{}
	}
	config.ApplyDefaults(cfg)
	return cfg, configPath
}

// openStore retries until Redis answers or ctx is cancelled.
func openStore(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	for {
		client, err := store.Open(store.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, KeyPrefix: cfg.KeyPrefix})
		if err == nil {
			return client, nil
		}
		logger.Errorf("Store unavailable, retrying: %v", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func loadRules(cfg config.RulesConfig) rules.Engine {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; Sigma tagging disabled")
		return nil
	}
	engine, stats, err := rules.NewSigmaEngine(cfg.Path)
	if err != nil {
		logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.Path, err)
		return nil
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; Sigma tagging is effectively disabled")
		return nil
	}
	return engine
}

func buildNotifier(cfg config.NotifyConfig) (*notify.Dispatcher, []io.Closer) {
	var senders []notify.Sender
	var closers []io.Closer

	if cfg.Email.Enabled {
		s, err := notify.NewEmailSender(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			Subject:  cfg.Email.Subject,
			Timeout:  cfg.Email.Timeout,
		})
		if err != nil {
			logger.Errorf("Failed to create email sender: %v", err)
		} else {
			senders = append(senders, s)
			logger.Infof("Notify: email (%s)", cfg.Email.To)
		}
	}
	if cfg.Webhook.Enabled {
		s, err := notify.NewWebhookSender(notify.WebhookConfig{
			URL:              cfg.Webhook.URL,
			Timeout:          cfg.Webhook.Timeout,
			Headers:          cfg.Webhook.Headers,
			FailureThreshold: cfg.Webhook.FailureThreshold,
			OpenTimeout:      cfg.Webhook.OpenTimeout,
		})
		if err != nil {
			logger.Errorf("Failed to create webhook sender: %v", err)
		} else {
			senders = append(senders, s)
			logger.Infof("Notify: webhook (%s)", cfg.Webhook.URL)
		}
	}
	if cfg.NATS.Enabled {
		s, err := notify.NewNATSSender(notify.NATSConfig{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject})
		if err != nil {
			logger.Errorf("Failed to create NATS sender: %v", err)
		} else {
			senders = append(senders, s)
			closers = append(closers, s)
			logger.Infof("Notify: nats (%s)", cfg.NATS.Subject)
		}
	}
	if cfg.File.Enabled {
		s, err := notify.NewFileSender(cfg.File.Path)
		if err != nil {
			logger.Errorf("Failed to create file sender: %v", err)
		} else {
			senders = append(senders, s)
			closers = append(closers, s)
		}
	}
	return notify.NewDispatcher(senders...), closers
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) archive.Writer {
	if !cfg.Enabled {
		return archive.Nop{}
	}
	ch := cfg.ClickHouse
	switch cfg.Mode {
	case "native":
		w, err := archive.NewClickHouseWriter(ctx, archive.ClickHouseConfig{
			Host:     ch.Host,
			Port:     ch.Port,
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
			Table:    ch.Table,
		})
		if err != nil {
			logger.Errorf("Failed to create ClickHouse archive, archiving disabled: %v", err)
			return archive.Nop{}
		}
		logger.Infof("Archive mode: native (%s:%d/%s.%s)", ch.Host, ch.Port, ch.Database, ch.Table)
		return w
	case "http":
		w, err := archive.NewHTTPWriter(archive.HTTPConfig{
			URL:      ch.URL,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
			Timeout:  ch.Timeout,
			Headers:  ch.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create ClickHouse HTTP archive, archiving disabled: %v", err)
			return archive.Nop{}
		}
		logger.Infof("Archive mode: http (%s/%s.%s)", ch.URL, ch.Database, ch.Table)
		return w
	default:
		logger.Errorf("Unknown archive mode %q, archiving disabled", cfg.Mode)
		return archive.Nop{}
	}
}

func runSensor(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	cfg, configPath := loadConfig(configArg)
	fs := cfg.FlowSentry

	if err := logger.Init(fs.Logging.Enabled, fs.Logging.Level, fs.Logging.File, fs.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infof("FlowSentry starting")
	logger.Infof("Config loaded from: %s", configPath)

	// The listening socket is bound before anything else so a bind
	// failure stops the process immediately.
	udp, err := collector.ListenUDP(fs.Collector.Listen, fs.Collector.ReadDeadline)
	if err != nil {
		logger.Errorf("Failed to bind NetFlow listener: %v", err)
		log.Fatalf("Failed to bind NetFlow listener: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := openStore(ctx, fs.Store.Redis)
	if err != nil {
		udp.Close()
		logger.Infof("FlowSentry stopped before the store became available")
		return
	}
	defer client.Close()
	prefix := store.Prefix(store.RedisConfig{KeyPrefix: fs.Store.Redis.KeyPrefix})

	settingsSrc := settings.NewRedisSource(client, prefix)
	if err := settingsSrc.Seed(ctx, fs.Settings, fs.IgnoreList, fs.CustomTags); err != nil {
		logger.Errorf("Failed to seed settings: %v", err)
	}

	flows := ledger.NewRedisStore(client, prefix)
	dispatcher, closers := buildNotifier(fs.Notify)
	alertStore := alerts.NewStore(client, prefix, dispatcher)
	archiver := buildArchive(ctx, fs.Archive)
	fetcher := feeds.New(fs.Fetcher.Feeds, fs.Fetcher.Timeout)

	dog := watchdog.New(fs.Watchdog.StaleAfter)

	sources := []collector.Source{udp}
	if fs.Collector.Relay.Enabled {
		relay, err := collector.NewRedisListSource(client, fs.Collector.Relay.Key, fs.Collector.Relay.BlockTimeout)
		if err != nil {
			logger.Errorf("Failed to create relay source: %v", err)
		} else {
			sources = append(sources, relay)
		}
	}
	coll := collector.New(collector.Config{
		Workers:   fs.Collector.Workers,
		QueueSize: fs.Collector.QueueSize,
		Beat:      dog.Register("collector", 0),
	}, tagging.New(loadRules(fs.Rules)), settings.NewCache(settingsSrc, fs.Collector.SettingsTTL), flows, sources...)

	proc := processor.New(processor.Deps{
		Settings: settingsSrc,
		Ledger:   flows,
		Alerts:   alertStore,
		Hosts:    hoststate.NewRedisStore(client, prefix),
		Tables:   fetcher,
		Archive:  archiver,
		Engine:   detect.NewEngine(),
	}, fs.Processor.Interval, dog.Register("processor", 3*fs.Processor.Interval))

	fetchBeat := dog.Register("fetcher", 2*fs.Fetcher.Interval+fs.Fetcher.Timeout*time.Duration(len(fs.Fetcher.Feeds)+1))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coll.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error {
		fetcher.Run(gctx, fs.Fetcher.Interval, fetchBeat)
		return gctx.Err()
	})
	g.Go(func() error { return dog.Run(gctx, fs.Watchdog.Listen, fs.Watchdog.Interval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Loop error: %v", err)
	}

	logger.Infof("Shutting down")
	if err := archiver.Close(); err != nil {
		logger.Errorf("Error closing archive: %v", err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Errorf("Error closing notifier: %v", err)
		}
	}
	logger.Infof("FlowSentry stopped")
}

// runDump writes stored alerts or ledger rows as JSON lines.
func runDump(kind string, args []string) int {
	fset := flag.NewFlagSet(kind, flag.ContinueOnError)
	configArg := fset.String("config", "", "Config file path")
	output := fset.String("output", "output/"+kind+".jsonl", "JSONL output path")
	if err := fset.Parse(args); err != nil {
		return 2
	}

	cfg, _ := loadConfig(*configArg)
	redisCfg := cfg.FlowSentry.Store.Redis
	client, err := store.Open(store.RedisConfig{Addr: redisCfg.Addr, Password: redisCfg.Password, DB: redisCfg.DB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer client.Close()
	prefix := store.Prefix(store.RedisConfig{KeyPrefix: redisCfg.KeyPrefix})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var n int
	switch kind {
	case "alerts":
		rows, err := alerts.NewStore(client, prefix, nil).List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list alerts: %v\n", err)
			return 1
		}
		n = len(rows)
		if err := writeJSONLines(*output, rows); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write alerts: %v\n", err)
			return 1
		}
	case "ledger":
		rows, err := ledger.NewRedisStore(client, prefix).All(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read ledger: %v\n", err)
			return 1
		}
		n = len(rows)
		if err := writeJSONLines(*output, rows); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write ledger: %v\n", err)
			return 1
		}
	}

	fmt.Printf("dumped %s rows=%d output=%s\n", kind, n, *output)
	return 0
}

func writeJSONLines[T any](path string, rows []T) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range rows {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runSensor(os.Args[2:])
			return
		case "alerts", "ledger":
			os.Exit(runDump(os.Args[1], os.Args[2:]))
		default:
			// First arg is a config path.
			runSensor(os.Args[1:])
			return
		}
	}

	runSensor(nil)
}
