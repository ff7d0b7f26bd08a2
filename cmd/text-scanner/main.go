package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/text-scanner/internal/acquire"
	"github.com/zombor/text-scanner/internal/archive"
	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/lifecycle"
	"github.com/zombor/text-scanner/internal/quota"
	"github.com/zombor/text-scanner/internal/scanning"
	"github.com/zombor/text-scanner/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("text-scanner")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat     = fs.StringLong("log-format", "text", "Log format: text or json")
		storeDriver   = fs.StringLong("store", "bolt", "History store: 'bolt' or 'postgres'")
		dbPath        = fs.StringLong("db", "text-scanner.db", "BoltDB file path")
		databaseURL   = fs.StringLong("database-url", "", "PostgreSQL connection URL (with --store postgres)")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2.5vl, minicpm-v)")
		language      = fs.StringLong("language", scanning.DefaultLanguage, "Recognition language hint, '+' separated (e.g. eng+spa)")
		skipEmpty     = fs.BoolLong("skip-empty", "Do not save scans that found no text")
		archiveType   = fs.StringLong("archive", "none", "Image archive: 'none', 'local' or 's3'")
		storagePath   = fs.StringLong("storage", "./images", "Image archive directory (with --archive local)")
		s3Bucket      = fs.StringLong("s3-bucket", "", "S3 bucket (with --archive s3)")
		s3Region      = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Endpoint    = fs.StringLong("s3-endpoint", "", "S3 compatible endpoint, e.g. http://127.0.0.1:9000 for MinIO")
		s3AccessKey   = fs.StringLong("s3-access-key", "", "S3 access key (default AWS credential chain when empty)")
		s3SecretKey   = fs.StringLong("s3-secret-key", "", "S3 secret key")
		cameraURL     = fs.StringLong("camera-url", "", "Snapshot URL of a network camera (camera scans are unavailable when empty)")
		cameraUser    = fs.StringLong("camera-user", "", "Camera username")
		cameraPass    = fs.StringLong("camera-pass", "", "Camera password")
		subsPath      = fs.StringLong("subscriptions", "", "JSON file of paid subscriptions")
		freeLimit     = fs.IntLong("free-limit", quota.DefaultFreeTier.Limit, "Scans per period without a subscription")
		freePeriod    = fs.StringLong("free-period", string(quota.DefaultFreeTier.Period), "Free tier period: day, week or month")
		quotaPolicy   = fs.StringLong("quota-policy", string(quota.PolicyActiveOnly), "Usage counting: 'active-only' or 'include-deleted'")
		jwtSecret     = fs.StringLong("jwt-secret", "", "HS256 secret for bearer tokens (optional)")
		issueToken    = fs.StringLong("issue-token", "", "Print a bearer token for this owner and exit")
		tokenTTL      = fs.DurationLong("token-ttl", 30*24*time.Hour, "Lifetime of issued tokens")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		origins       = fs.StringLong("cors-origins", "", "Comma separated allowed CORS origins (default any)")
		rateLimit     = fs.IntLong("rate-limit", 100, "Requests per minute per client")
		scanRateLimit = fs.IntLong("scan-rate-limit", 20, "Scan requests per minute per client")
		proxies       = fs.StringLong("trusted-proxies", "", "Comma separated proxy addresses or CIDRs whose X-Forwarded-For is trusted")
		_             = fs.StringLong("config", "", "Config file (key value per line)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TEXT_SCANNER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var jwtAuth *server.JWTAuthenticator
	if *jwtSecret != "" {
		var err error
		jwtAuth, err = server.NewJWTAuthenticator(*jwtSecret)
		if err != nil {
			slog.Error("Failed to initialize JWT auth", "error", err)
			os.Exit(1)
		}
	}
	if *issueToken != "" {
		if jwtAuth == nil {
			slog.Error("--issue-token requires --jwt-secret")
			os.Exit(1)
		}
		token, err := jwtAuth.GenerateToken(*issueToken, *tokenTTL)
		if err != nil {
			slog.Error("Failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize history store
	slog.Info("Initializing history store...", "driver", *storeDriver)
	var store history.Store
	var err error
	switch *storeDriver {
	case "bolt":
		store, err = history.NewBoltStore(*dbPath)
	case "postgres":
		store, err = history.NewPostgresStore(ctx, *databaseURL)
	default:
		err = fmt.Errorf("invalid store %q (valid: bolt or postgres)", *storeDriver)
	}
	if err != nil {
		slog.Error("Failed to initialize history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	recognizer, err := newRecognizer(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize scanner", "error", err)
		os.Exit(1)
	}
	defer recognizer.Close()

	images, err := newArchive(ctx, *archiveType, *storagePath, archive.S3Config{
		Bucket:    *s3Bucket,
		Region:    *s3Region,
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
	})
	if err != nil {
		slog.Error("Failed to initialize image archive", "error", err)
		os.Exit(1)
	}

	// Initialize quota gate
	subscriptions := quota.NewStaticSubscriptions()
	if *subsPath != "" {
		subscriptions, err = quota.LoadSubscriptions(*subsPath)
		if err != nil {
			slog.Error("Failed to load subscriptions", "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded subscriptions", "count", subscriptions.Len())
	}
	period, err := quota.ParsePeriod(*freePeriod)
	if err != nil {
		slog.Error("Invalid free tier period", "error", err)
		os.Exit(1)
	}
	policy, err := quota.ParsePolicy(*quotaPolicy)
	if err != nil {
		slog.Error("Invalid quota policy", "error", err)
		os.Exit(1)
	}
	gate := quota.NewGate(subscriptions, store, quota.FreeTier{Limit: *freeLimit, Period: period}, policy)

	// Initialize camera
	camera := acquire.NewCamera(acquire.NoDevice{})
	if *cameraURL != "" {
		device, err := acquire.NewSnapshotDevice(*cameraURL, *cameraUser, *cameraPass)
		if err != nil {
			slog.Error("Failed to initialize camera", "error", err)
			os.Exit(1)
		}
		camera = acquire.NewCamera(device)
		slog.Info("Camera configured", "url", *cameraURL)
	}

	opts := lifecycle.Options{
		Language:  *language,
		Archive:   images,
		SkipEmpty: *skipEmpty,
	}
	registry := lifecycle.NewRegistry(func() *lifecycle.Manager {
		return lifecycle.NewManager(gate, recognizer, store, opts)
	})

	// Initialize server
	var auth server.Chain
	if jwtAuth != nil {
		auth = append(auth, jwtAuth)
		slog.Info("JWT auth enabled")
	}
	if *authUser != "" || *authPass != "" {
		auth = append(auth, server.BasicAuth{Username: *authUser, Password: *authPass})
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	cfg := server.Config{
		RateLimit:     *rateLimit,
		ScanRateLimit: *scanRateLimit,
	}
	if len(auth) > 0 {
		cfg.Auth = auth
	} else {
		slog.Warn("No authentication configured, all scans belong to one user", "owner", server.DefaultOwner)
	}
	if *proxies != "" {
		trusted, err := server.ParseTrustedProxies(strings.Split(*proxies, ","))
		if err != nil {
			slog.Error("Failed to parse trusted proxies", "error", err)
			os.Exit(1)
		}
		cfg.TrustedProxies = trusted
	}
	if *origins != "" {
		for _, origin := range strings.Split(*origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	srv := server.NewServer(registry, store, gate, images, camera, cfg)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server", "error", err)
	}
	// Let in-flight scans finish before the store is closed
	if err := registry.Drain(shutdownCtx); err != nil {
		slog.Error("Scans still running at shutdown", "error", err)
	}
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q (valid: text or json)", format)
	}
	return nil
}

func newRecognizer(scannerType, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Recognizer, error) {
	switch scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		slog.Info("Initializing Gemini scanner...", "model", geminiModel)
		return scanning.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q (valid: gemini or ollama)", scannerType)
	}
}

// newArchive returns nil when archiving is off
func newArchive(ctx context.Context, archiveType, storagePath string, s3Cfg archive.S3Config) (archive.Storage, error) {
	switch archiveType {
	case "none", "":
		return nil, nil
	case "local":
		slog.Info("Initializing local image archive...", "path", storagePath)
		return archive.NewLocalStorage(storagePath)
	case "s3":
		slog.Info("Initializing S3 image archive...", "bucket", s3Cfg.Bucket, "endpoint", s3Cfg.Endpoint)
		return archive.NewS3Storage(ctx, s3Cfg)
	default:
		return nil, fmt.Errorf("invalid archive %q (valid: none, local or s3)", archiveType)
	}
}
