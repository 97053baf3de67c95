package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/api"
	"github.com/BIGmindz/ChainBridge-sub012/internal/artifacts"
	"github.com/BIGmindz/ChainBridge-sub012/internal/auth"
	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
	"github.com/BIGmindz/ChainBridge-sub012/internal/denial"
	"github.com/BIGmindz/ChainBridge-sub012/internal/gate"
	"github.com/BIGmindz/ChainBridge-sub012/internal/issuance"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/driver"
	"github.com/BIGmindz/ChainBridge-sub012/internal/policy"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/generator"
	"github.com/BIGmindz/ChainBridge-sub012/internal/telemetry"
)

const meterName = "github.com/BIGmindz/ChainBridge-sub012"

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf
var openBackend = driver.Open

func newServer(cfg config.Config) (srv *http.Server, err error) {
	ctx := context.Background()
	logger := newLogger(cfg.Log, os.Stderr)

	// closers run in reverse on a failed start and on shutdown.
	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(logger, closers)
		}
	}()

	exporterName := firstNonEmpty(cfg.Exporter.Name, "chainbridge-trust")
	exporterVersion := firstNonEmpty(cfg.Exporter.Version, "dev")

	mp, err := telemetry.Setup(ctx, cfg.Telemetry, exporterName, exporterVersion)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mp.Shutdown(shutdownCtx)
	})

	metrics, err := alert.NewMetricSink(mp.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("alert metrics: %w", err)
	}
	sink := alert.Multi{alert.LogSink{Logger: logger}, metrics}

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	store, err := pdostore.Open(ctx, backend, pdostore.WithAlertSink(sink), pdostore.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open pdo store: %w", err)
	}
	closers = append(closers, store.Close)

	var arts api.ArtifactStore = artifacts.NewMemoryStore()
	if cfg.Artifacts.Dir != "" {
		fileArts, err := artifacts.OpenFileStore(cfg.Artifacts.Dir)
		if err != nil {
			return nil, fmt.Errorf("open artifact store: %w", err)
		}
		arts = fileArts
	}

	var (
		denials interface {
			denial.Registry
			denial.IntentRegistry
		} = denial.NewMemoryRegistry()
		issued issuance.Ledger = issuance.NewMemoryLedger()
	)
	if cfg.Denials.Driver == "redis" {
		client, err := denial.Dial(ctx, cfg.Denials.RedisAddr, cfg.Denials.RedisPassword, cfg.Denials.RedisDB)
		if err != nil {
			return nil, err
		}
		closers = append(closers, client.Close)
		denials = denial.NewRedisRegistry(client, cfg.Denials.Prefix)
		issued = issuance.NewRedisLedger(client, "")
	}

	schemas := gate.NewToolSchemas()
	for tool, path := range cfg.ToolSchemas {
		// #nosec G304 -- schema paths come from operator config.
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tool schema %s: %w", tool, err)
		}
		if err := schemas.Register(tool, string(raw)); err != nil {
			return nil, err
		}
	}

	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyPath, err)
	}

	h := &api.Handler{
		Auth: auth.NewAuthenticatorFromEnv(),
		Evaluator: policy.NewEvaluator(loaded,
			policy.WithDenials(denials),
			policy.WithIssuance(issued),
			policy.WithEvaluatorLogger(logger)),
		Store: store,
		Gate: gate.New(store,
			gate.WithDenialRegistry(denials),
			gate.WithIssuanceLedger(issued),
			gate.WithToolSchemas(schemas),
			gate.WithAlertSink(sink),
			gate.WithLogger(logger)),
		Artifacts: arts,
		Generator: generator.New(store, arts,
			generator.WithExporter(exporterName, exporterVersion),
			generator.WithAlertSink(sink),
			generator.WithLogger(logger)),
		Alerts: sink,
		Logger: logger,
	}

	srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(func() { closeAll(logger, closers) })
	return srv, nil
}

func closeAll(logger *slog.Logger, closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("close on shutdown", "error", err)
		}
	}
}

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config) (*http.Server, error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("trust-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to trust gateway config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("TRUST_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("TRUST_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.PolicyPath = firstNonEmpty(getenv("TRUST_POLICY_PATH"), cfg.PolicyPath, "policies/trust.yaml")
	cfg.Store.Driver = firstNonEmpty(getenv("TRUST_STORE_DRIVER"), cfg.Store.Driver, "memory")
	cfg.Store.Path = firstNonEmpty(getenv("TRUST_STORE_PATH"), cfg.Store.Path)
	cfg.Store.DSN = firstNonEmpty(getenv("TRUST_STORE_DSN"), cfg.Store.DSN)
	cfg.Artifacts.Dir = firstNonEmpty(getenv("TRUST_ARTIFACTS_DIR"), cfg.Artifacts.Dir)
	if addr := getenv("TRUST_REDIS_ADDR"); addr != "" {
		cfg.Denials.Driver = "redis"
		cfg.Denials.RedisAddr = addr
	}
	if endpoint := getenv("TRUST_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Exporter = "otlp"
		cfg.Telemetry.Endpoint = endpoint
	}
	cfg.Log.Level = firstNonEmpty(getenv("TRUST_LOG_LEVEL"), cfg.Log.Level, "info")
	if err := cfg.Validate(); err != nil {
		return err
	}

	server, err := factory(cfg)
	if err != nil {
		return err
	}

	log.Printf("trust-gateway listening on %s (store=%s)", cfg.ListenAddr, cfg.Store.Driver)
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
