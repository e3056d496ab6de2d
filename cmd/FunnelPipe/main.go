package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/genai"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "funnelpipe.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow session database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
	Debounce    string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	openaiKey      *string
	openaiModel    *string
	apiAddr        *string
	debounce       *time.Duration
	enableWhatsApp *bool
	qrOutput       *string
	numeric        *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("FUNNELPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		Debounce:    os.Getenv("DEBOUNCE_DELAY"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FUNNELPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}

	slog.Debug("environment variables loaded",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"DEBOUNCE_DELAY", config.Debounce)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	debounceDefault := flow.DefaultDebounceDelay
	if config.Debounce != "" {
		if d, err := time.ParseDuration(config.Debounce); err == nil {
			debounceDefault = d
		} else {
			slog.Warn("Invalid DEBOUNCE_DELAY, using default", "value", config.Debounce, "error", err)
		}
	}

	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the contact store (overrides $DATABASE_URL)"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:    flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		debounce:       flag.Duration("debounce", debounceDefault, "quiet period before a message burst is processed (overrides $DEBOUNCE_DELAY)"),
		enableWhatsApp: flag.Bool("enable-whatsapp", false, "connect the whatsmeow WhatsApp channel"),
		qrOutput:       flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"debounce", *flags.debounce,
		"enableWhatsApp", *flags.enableWhatsApp)

	return flags
}

// buildStore opens the contact store for the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	genAI, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	var services []messaging.Service

	var twilioSvc *messaging.TwilioService
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return err
		}
		twilioSvc = messaging.NewTwilioService(twilioClient)
		services = append(services, twilioSvc)
		slog.Info("Twilio WhatsApp channel configured")
	} else {
		slog.Debug("TWILIO_ACCOUNT_SID not set, Twilio channel disabled")
	}

	if *flags.enableWhatsApp {
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return err
		}
		services = append(services, messaging.NewWhatsAppService(waClient))
		slog.Info("whatsmeow WhatsApp channel configured")
	}

	if len(services) == 0 {
		slog.Warn("No messaging channel configured; only the HTTP API will be useful")
	}

	debouncer := flow.NewDebouncer(*flags.debounce)
	router := messaging.NewDeliveryRouter(services...)
	orch := flow.NewOrchestrator(st, genAI, router)
	handler := messaging.NewHandler(st, debouncer, orch, services,
		messaging.WithDebounceDelay(*flags.debounce))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}
	go handler.Run(ctx)

	apiOpts := []api.Option{
		api.WithStore(st),
		api.WithDebouncer(debouncer),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioService(twilioSvc))
	}
	server, err := api.NewServer(apiOpts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	dropped := debouncer.CancelAll()
	if dropped > 0 {
		slog.Info("Pending debounce batches dropped on shutdown", "count", dropped)
	}
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err, "channel", svc.Channel())
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
