package main

import (
	"fmt"
	"os"

	"statesync/internal/channel"
	"statesync/internal/collections"
	"statesync/internal/config"
	"statesync/internal/logging"
	"statesync/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	backendName string
	storePath   string
	programName string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "statesync",
	Short: "statesync - shared state for the operations consoles",
	Long: `statesync reads, writes and watches the shared state used by the
interview and mentorship operations consoles.

Every command opens the same durable store the consoles use, so changes
made here show up in running consoles and vice versa.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".statesync/config.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "Store backend: dir, sqlite or memory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&storePath, "path", "", "Store directory or database file (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&programName, "program", "p", string(collections.ProgramInterview), "Program: interview or mentorship")

	rootCmd.AddCommand(getCmd, setCmd, keysCmd, watchCmd)
	rootCmd.AddCommand(requestsCmd, notesCmd, chatCmd, meetingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is everything one command needs to talk to the shared state.
type session struct {
	cfg     *config.Config
	backend store.Backend
	ch      *channel.Channel
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if backendName != "" {
		cfg.Store.Backend = backendName
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.DataDir(), logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	}

	logging.Boot("%s %s: %s backend at %q", cfg.Name, cfg.Version, cfg.Store.Backend, cfg.Store.Path)

	backend, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	logger.Debug("Store opened",
		zap.String("backend", cfg.Store.Backend),
		zap.String("path", cfg.Store.Path))

	ch := channel.New(backend, channel.WithUpdateRetries(cfg.GetMaxUpdateRetries()))
	logging.Get(logging.CategoryCLI).Info("Session %s opened on %s store", ch.Origin(), cfg.Store.Backend)
	return &session{cfg: cfg, backend: backend, ch: ch}, nil
}

// stores returns the repositories for the --program flag.
func (s *session) stores() (*collections.Stores, error) {
	program, err := collections.ParseProgram(programName)
	if err != nil {
		return nil, err
	}
	return collections.NewStores(s.ch, program, s.cfg.Limits), nil
}

func (s *session) Close() {
	s.ch.Close()
	if err := s.backend.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
}

// withSession opens a session around fn.
func withSession(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}
