// ABOUTME: Entry point for ollama-relay
// ABOUTME: Wires config, backend pool, Ollama client, relay service and the Matrix bridge

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/ollama-relay/internal/backend"
	"github.com/2389/ollama-relay/internal/config"
	"github.com/2389/ollama-relay/internal/conversation"
	"github.com/2389/ollama-relay/internal/dedupe"
	"github.com/2389/ollama-relay/internal/ollama"
	"github.com/2389/ollama-relay/internal/relay"
	"github.com/2389/ollama-relay/internal/store"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │     ┏━┓╻  ╻  ┏━┓┏┳┓┏━┓           │
    │     ┃ ┃┃  ┃  ┣━┫┃┃┃┣━┫  relay    │
    │     ┗━┛┗━╸┗━╸╹ ╹╹ ╹╹ ╹           │
    │                                  │
    │     matrix ⇄ ollama backends     │
    │                                  │
    ╰──────────────────────────────────╯
`

// dedupeCacheSize caps the number of remembered event IDs.
const dedupeCacheSize = 10000

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "ollama-relay",
	Short: "Relay Matrix conversations to a pool of Ollama servers",
	Long: `ollama-relay answers Matrix messages with a model served by one or more
Ollama backends. Replies continue the conversation they answer.

Examples:
  ollama-relay                  # run the bridge
  ollama-relay init             # write a config interactively
  ollama-relay stats --since 24h`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default: $OLLAMA_RELAY_CONFIG or ~/.config/ollama-relay/config.toml)")
}

// getConfigPath returns the path to the config file.
// Priority: --config flag > OLLAMA_RELAY_CONFIG env var >
// XDG_CONFIG_HOME/ollama-relay/config.toml > ~/.config/ollama-relay/config.toml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("OLLAMA_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "ollama-relay", "config.toml")
}

// getDataPath returns the directory for the crypto store.
// Priority: XDG_DATA_HOME/ollama-relay > ~/.local/share/ollama-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "ollama-relay")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	printStartupInfo(configPath, cfg)

	pool, err := backend.NewPool(cfg.Ollama.Backends)
	if err != nil {
		return fmt.Errorf("creating backend pool: %w", err)
	}
	dispatcher := backend.NewDispatcher(pool, logger,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.Backends.RequestTimeout}),
		backend.WithPollInterval(cfg.Backends.PollInterval),
	)

	var ledger relay.ExchangeRecorder
	if cfg.Database.Path != "" {
		db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("opening exchange ledger: %w", err)
		}
		defer func() { _ = db.Close() }()
		ledger = db
	}

	bridge, err := NewBridge(cfg, dedupe.New(cfg.Bridge.DedupeTTL, dedupeCacheSize), logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.Encryption {
		crypto, err := SetupCrypto(ctx, bridge.matrix, cfg.Matrix.RecoveryKey, getDataPath(), logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer func() { _ = crypto.Close() }()
	} else {
		logger.Info("encryption disabled")
	}

	contexts := conversation.NewStore()
	svc := relay.New(relay.Config{
		Model:                 cfg.Ollama.Model,
		SystemMessage:         cfg.Ollama.SystemMessage,
		UseSystemMessage:      cfg.Ollama.UseSystemMessage,
		UseModelSystemMessage: cfg.Ollama.UseModelSystemMessage,
		MaxMessageLength:      cfg.Bridge.MaxMessageLength,
		TypingInterval:        cfg.Bridge.TypingInterval,
	}, contexts, ollama.New(dispatcher, logger), bridge, ledger, logger)

	logger.Info("starting bridge", "user_id", bridge.UserID(), "backends", pool.Len(), "model", cfg.Ollama.Model)
	err = bridge.Run(ctx, svc)

	for _, st := range pool.Backends() {
		if !st.Available {
			logger.Warn("backend still busy at shutdown", "endpoint", st.Endpoint)
		}
	}
	logger.Info("bridge stopped", "threads", contexts.Len(), "channels", contexts.Channels())
	return err
}

func printStartupInfo(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-11s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("Homeserver", cfg.Matrix.Homeserver)
	if cfg.Matrix.UserID != "" {
		line("User", cfg.Matrix.UserID)
	} else {
		line("User", cfg.Matrix.Username)
	}
	line("Model", cfg.Ollama.Model)
	for _, endpoint := range cfg.Ollama.Backends {
		line("Backend", endpoint)
	}
	if cfg.Matrix.Encryption {
		line("Encryption", "enabled")
	}
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	}
	fmt.Println()
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
