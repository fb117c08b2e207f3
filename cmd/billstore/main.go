package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/billstore/internal/api"
	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/imagestore"
	"github.com/zombor/billstore/internal/ingest"
	"github.com/zombor/billstore/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port         int
	dbDriver     string
	dbPath       string
	pgDSN        string
	storage      string
	storagePath  string
	s3           imagestore.S3Config
	scannerType  string
	geminiKey    string
	geminiModel  string
	ollamaURL    string
	ollamaModel  string
	authUser     string
	authPass     string
	maxWorkers   int
	taskTimeout  time.Duration
	taskRetain   time.Duration
	logFormat    string
	logLevel     string
	shutdownWait time.Duration
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := ff.NewFlagSet("billstore")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbDriver     = fs.StringLong("db-driver", "bolt", "Database backend: 'bolt' or 'postgres'")
		dbPath       = fs.StringLong("db", "billstore.db", "BoltDB file path")
		pgDSN        = fs.StringLong("pg-dsn", "", "Postgres connection string for the postgres backend")
		storage      = fs.StringLong("storage", "local", "Image storage: 'local' or 's3'")
		storagePath  = fs.StringLong("storage-path", "./images", "Image directory for local storage")
		s3Endpoint   = fs.StringLong("s3-endpoint", "", "S3 endpoint URL, e.g. a MinIO server (optional)")
		s3Region     = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Bucket     = fs.StringLong("s3-bucket", "bill-images", "S3 bucket for bill images")
		s3AccessKey  = fs.StringLong("s3-access-key", "", "S3 access key (optional, defaults to the AWS credential chain)")
		s3SecretKey  = fs.StringLong("s3-secret-key", "", "S3 secret key")
		scannerType  = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, qwen2-vl)")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		maxWorkers   = fs.IntLong("max-workers", 4, "Bills analysed concurrently")
		taskTimeout  = fs.DurationLong("task-timeout", 300*time.Second, "Time limit for analysing one bill")
		taskRetain   = fs.DurationLong("task-retention", time.Hour, "How long finished analysis tasks stay queryable")
		logFormat    = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel     = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		shutdownWait = fs.DurationLong("shutdown-timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("BILLSTORE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return cfg, err
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg = config{
		port:        *port,
		dbDriver:    *dbDriver,
		dbPath:      *dbPath,
		pgDSN:       *pgDSN,
		storage:     *storage,
		storagePath: *storagePath,
		s3: imagestore.S3Config{
			Endpoint:  *s3Endpoint,
			Region:    *s3Region,
			Bucket:    *s3Bucket,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
		},
		scannerType:  *scannerType,
		geminiKey:    *geminiKey,
		geminiModel:  *geminiModel,
		ollamaURL:    *ollamaURL,
		ollamaModel:  *ollamaModel,
		authUser:     *authUser,
		authPass:     *authPass,
		maxWorkers:   *maxWorkers,
		taskTimeout:  *taskTimeout,
		taskRetain:   *taskRetain,
		logFormat:    *logFormat,
		logLevel:     *logLevel,
		shutdownWait: *shutdownWait,
	}
	if cfg.geminiKey == "" {
		cfg.geminiKey = os.Getenv("GEMINI_API_KEY")
	}
	// the basic auth user is recorded as created_by
	if utf8.RuneCountInString(cfg.authUser) > bill.MaxCreatedByLength {
		return cfg, fmt.Errorf("--auth-user must be at most %d characters", bill.MaxCreatedByLength)
	}
	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openDB(ctx context.Context, cfg config) (bill.DB, error) {
	switch cfg.dbDriver {
	case "bolt":
		slog.Info("Initializing database...", "driver", "bolt", "path", cfg.dbPath)
		return bill.NewBoltDB(cfg.dbPath)
	case "postgres":
		if cfg.pgDSN == "" {
			return nil, errors.New("--pg-dsn is required for the postgres backend")
		}
		slog.Info("Initializing database...", "driver", "postgres")
		db, err := bill.NewPostgres(ctx, cfg.pgDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("invalid db driver %q (valid: bolt or postgres)", cfg.dbDriver)
	}
}

func openStorage(ctx context.Context, cfg config) (imagestore.Storage, error) {
	switch cfg.storage {
	case "local":
		slog.Info("Initializing storage...", "type", "local", "path", cfg.storagePath)
		return imagestore.NewLocalStorage(cfg.storagePath)
	case "s3":
		slog.Info("Initializing storage...", "type", "s3", "endpoint", cfg.s3.Endpoint, "bucket", cfg.s3.Bucket)
		return imagestore.NewS3Storage(ctx, cfg.s3)
	default:
		return nil, fmt.Errorf("invalid storage %q (valid: local or s3)", cfg.storage)
	}
}

func openScanner(ctx context.Context, cfg config) (scanning.Scanner, error) {
	switch cfg.scannerType {
	case "gemini":
		if cfg.geminiKey == "" {
			return nil, errors.New("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		return scanning.NewGemini(ctx, cfg.geminiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q (valid: gemini or ollama)", cfg.scannerType)
	}
}

func run(ctx context.Context, cfg config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	scanner, err := openScanner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	bills := bill.NewService(db)
	pipeline := ingest.NewPipeline(bills, scanner, store, ingest.Config{
		MaxWorkers:  int64(cfg.maxWorkers),
		TaskTimeout: cfg.taskTimeout,
		Retention:   cfg.taskRetain,
	})
	auth := api.BasicAuth{Username: cfg.authUser, Password: cfg.authPass}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           api.NewServer(bills, pipeline, store, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", srv.Addr), "version", version)
		if auth.Username != "" || auth.Password != "" {
			slog.Info("Basic auth enabled", "user", auth.Username)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.shutdownWait)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http: %w", err)
		}
		pipeline.Wait()
		return nil
	})

	return g.Wait()
}
