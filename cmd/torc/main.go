package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	taskorchestrator "github.com/jpicklyk/task-orchestrator"
	"github.com/jpicklyk/task-orchestrator/internal/log"
)

var (
	configRoot string
	dbPath     string
	logLevel   string
	logFile    string
	jsonOutput bool

	// Signal-aware context for graceful shutdown
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func init() {
	// Settings resolve flag > env > default. The unprefixed names are the
	// documented agent-facing variables; everything else comes in through
	// the TORC_ prefix (TORC_SWEEP_INTERVAL, TORC_LOCK_TTL, ...).
	viper.SetEnvPrefix("TORC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("config-root", "AGENT_CONFIG_DIR")
	_ = viper.BindEnv("db", "DATABASE_PATH")
	_ = viper.BindEnv("log-level", "LOG_LEVEL")
	_ = viper.BindEnv("log-file", "LOG_FILE")
	viper.SetDefault("log-level", "info")

	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", "", "Directory holding .taskorchestrator/ (default: $AGENT_CONFIG_DIR or cwd)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: <config-root>/.taskorchestrator/tasks.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	_ = viper.BindPFlag("config-root", rootCmd.PersistentFlags().Lookup("config-root"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))

	// Version flag on the root command (same behavior as the version subcommand)
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "torc",
	Short: "torc - Task orchestration server for AI agents",
	Long: `Persistent task orchestration for multi-agent workflows.

torc stores a dependency-aware graph of projects, features, and tasks in
SQLite and serves it to agents over MCP on stdin/stdout. Workflow rules
(status flows, note requirements, cascades) come from a per-project
config.yaml and can change without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("torc version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()

		// stdout belongs to the wire protocol while serving, so logs are
		// structured on stderr there and human-readable everywhere else.
		log.Init(log.Config{
			Level:   viper.GetString("log-level"),
			File:    viper.GetString("log-file"),
			Console: cmd.Name() != "serve",
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// setupSignalContext installs a context cancelled by SIGINT/SIGTERM so the
// serve loop and sweepers can unwind cleanly.
func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// effectiveConfigRoot resolves the directory holding .taskorchestrator/:
// --config-root flag, then AGENT_CONFIG_DIR, then the working directory.
func effectiveConfigRoot() string {
	if root := viper.GetString("config-root"); root != "" {
		return root
	}
	return taskorchestrator.ConfigRoot()
}

// effectiveDatabasePath resolves the SQLite file for a config root:
// --db flag, then DATABASE_PATH, then the default location.
func effectiveDatabasePath(root string) string {
	if p := viper.GetString("db"); p != "" {
		return p
	}
	return filepath.Join(taskorchestrator.DataDir(root), taskorchestrator.DatabaseFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
