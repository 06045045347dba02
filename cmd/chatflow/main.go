package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/troikalabs/chatflow/internal/api"
	"github.com/troikalabs/chatflow/internal/backend"
	"github.com/troikalabs/chatflow/internal/flow"
	"github.com/troikalabs/chatflow/internal/genai"
	"github.com/troikalabs/chatflow/internal/handoff"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/otp"
	"github.com/troikalabs/chatflow/internal/recovery"
	"github.com/troikalabs/chatflow/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for chatflow state data
	DefaultStateDir = "/var/lib/chatflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("chatflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("chatflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DBDSN      string
	StateDir   string
	BackendURL string
	APIBase    string
	APIAddr    string
	OpenAIKey  string
	TwilioSID  string
	SessionTTL string
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	backendURL *string
	apiBase    *string
	apiAddr    *string
	sessionTTL *string
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
		DBDSN:      os.Getenv("CHATFLOW_DB_DSN"),
		StateDir:   os.Getenv("CHATFLOW_STATE_DIR"),
		BackendURL: os.Getenv("CHATFLOW_BACKEND_URL"),
		APIBase:    os.Getenv("CHATFLOW_API_BASE"),
		APIAddr:    os.Getenv("CHATFLOW_API_ADDR"),
		OpenAIKey:  os.Getenv("OPENAI_API_KEY"),
		TwilioSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		SessionTTL: os.Getenv("CHATFLOW_SESSION_TTL"),
	}

	if config.DBDSN == "" {
		config.DBDSN = os.Getenv("DATABASE_URL")
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"CHATFLOW_DB_DSN_SET", config.DBDSN != "",
		"CHATFLOW_STATE_DIR", config.StateDir,
		"CHATFLOW_BACKEND_URL_SET", config.BackendURL != "",
		"CHATFLOW_API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for chatflow data (overrides $CHATFLOW_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DBDSN, "database DSN for the session store (overrides $CHATFLOW_DB_DSN or $DATABASE_URL)"),
		backendURL: flag.String("backend-url", config.BackendURL, "chatbot platform API root (overrides $CHATFLOW_BACKEND_URL)"),
		apiBase:    flag.String("api-base", config.APIBase, "streaming chat API root, defaults to backend-url (overrides $CHATFLOW_API_BASE)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $CHATFLOW_API_ADDR)"),
		sessionTTL: flag.String("session-ttl", config.SessionTTL, "Redis key TTL, e.g. 720h (overrides $CHATFLOW_SESSION_TTL)"),
	}
	flag.Parse()
	return flags
}

// run wires the store, backend client, flow engine and API server together
// and blocks until shutdown.
func run(flags Flags) error {
	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}()

	client, err := buildBackendClient(flags)
	if err != nil {
		return err
	}

	timer := flow.NewSimpleTimer()
	defer timer.Stop()

	ctrl := flow.NewController(st, flow.NewStoreBasedStateManager(st), client,
		client, timer, buildLocalOTP(), controllerOptions()...)

	poller := handoff.NewPoller(client, st)
	defer poller.StopAll()

	// Sweep flow states whose in-process timers died with the previous run.
	rec := recovery.NewManager()
	rec.Register(recovery.NewLeadSweeper(st))
	rec.Register(recovery.NewIntentSweeper(st, time.Duration(models.DefaultConfirmTimeout)*time.Minute))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rec.RecoverAll(ctx); err != nil {
		slog.Error("startup recovery incomplete", "error", err)
	}

	server := api.NewServer(ctrl, st, poller, client, append(apiOptions(flags), api.WithSpeech(client))...)
	slog.Info("chatflow starting", "addr", *flags.apiAddr)
	return server.Run(ctx)
}

// openStore selects the store backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	opts := []store.Option{}
	if ttl := *flags.sessionTTL; ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			slog.Error("invalid session TTL, ignoring", "error", err, "value", ttl)
		} else {
			opts = append(opts, store.WithTTL(d))
		}
	}

	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Info("using Postgres store")
		return store.NewPostgresStore(append(opts, store.WithPostgresDSN(dsn))...)
	case "redis":
		slog.Info("using Redis store")
		return store.NewRedisStore(append(opts, store.WithRedisDSN(dsn))...)
	default:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		slog.Info("using SQLite store", "path", dsn)
		return store.NewSQLiteStore(append(opts, store.WithSQLiteDSN(dsn))...)
	}
}

func buildBackendClient(flags Flags) (*backend.Client, error) {
	opts := []backend.Option{backend.WithBaseURL(*flags.backendURL)}
	if *flags.apiBase != "" {
		opts = append(opts, backend.WithAPIBase(*flags.apiBase))
	}
	return backend.NewClient(opts...)
}

// buildLocalOTP returns the fallback OTP delivery service, or nil when no
// Twilio credentials are configured. CHATFLOW_OTP_CHANNEL=whatsapp selects
// WhatsApp delivery instead of SMS.
func buildLocalOTP() *otp.Service {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		return nil
	}
	whatsApp := strings.EqualFold(os.Getenv("CHATFLOW_OTP_CHANNEL"), "whatsapp")
	sender, err := otp.NewTwilioSender(otp.WithWhatsApp(whatsApp))
	if err != nil {
		slog.Error("Twilio sender unavailable, local OTP disabled", "error", err)
		return nil
	}
	slog.Info("local OTP delivery enabled via Twilio", "whatsApp", whatsApp)
	return otp.NewService(sender)
}

// controllerOptions enables the direct-LLM fallback when an OpenAI key is
// present.
func controllerOptions() []flow.ControllerOption {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil
	}
	gen, err := genai.NewClient()
	if err != nil {
		slog.Error("GenAI client unavailable, fallback replies disabled", "error", err)
		return nil
	}
	slog.Info("direct-LLM fallback replies enabled")
	return []flow.ControllerOption{flow.WithFallbackResponder(gen)}
}

func apiOptions(flags Flags) []api.Option {
	if *flags.apiAddr == "" {
		return nil
	}
	return []api.Option{api.WithAddr(*flags.apiAddr)}
}
