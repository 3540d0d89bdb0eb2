package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	taskorchestrator "github.com/jpicklyk/task-orchestrator"
	"github.com/jpicklyk/task-orchestrator/internal/lock"
	"github.com/jpicklyk/task-orchestrator/internal/log"
	"github.com/jpicklyk/task-orchestrator/internal/mcp"
	"github.com/jpicklyk/task-orchestrator/internal/orchestrator"
	"github.com/jpicklyk/task-orchestrator/internal/session"
	"github.com/jpicklyk/task-orchestrator/internal/storage/sqlite"
	"github.com/jpicklyk/task-orchestrator/internal/telemetry"
	"github.com/jpicklyk/task-orchestrator/internal/types"
	"github.com/jpicklyk/task-orchestrator/internal/workflow"
)

const serverName = "task-orchestrator"

// metricsLogInterval is how often serve logs a one-line usage digest.
const metricsLogInterval = 5 * time.Minute

// serverInstructions is sent to MCP clients during initialize. It is the
// only orientation an agent gets before its first tool call.
const serverInstructions = `Task orchestration for AI agents. Work is organized as projects > features > tasks, with notes attached to any item. Call query_items with operation "overview" to see current state and get_next_item to pick ready work. Claim an item with advance_item trigger "start" and finish it with trigger "complete"; items waiting on unsatisfied dependencies cannot start (get_blocked_items explains why). Pass your sessionId on every call so locks and activity are attributed correctly.`

var (
	sweepInterval time.Duration
	sessionTTL    time.Duration
	lockTTL       time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestrator over MCP on stdin/stdout",
	Long: `Run the MCP server loop: JSON-RPC requests in on stdin, one response
per line out on stdout. Logs go to stderr (or --log-file) so the protocol
stream stays clean. The process exits on EOF, SIGINT, or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(rootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", lock.DefaultSweepInterval, "How often expired locks and idle sessions are swept")
	serveCmd.Flags().DurationVar(&sessionTTL, "session-ttl", session.DefaultTTL, "Idle time before a session is dropped")
	serveCmd.Flags().DurationVar(&lockTTL, "lock-ttl", types.DefaultLockTTL, "Lease duration for operation locks")

	_ = viper.BindPFlag("sweep-interval", serveCmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("session-ttl", serveCmd.Flags().Lookup("session-ttl"))
	_ = viper.BindPFlag("lock-ttl", serveCmd.Flags().Lookup("lock-ttl"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	logger := log.WithComponent("serve")

	root := effectiveConfigRoot()
	if err := os.MkdirAll(taskorchestrator.DataDir(root), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db := effectiveDatabasePath(root)

	if err := telemetry.Init(ctx, serverName, Version); err != nil {
		logger.Warn().Err(err).Msg("telemetry init failed, continuing without")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(flushCtx)
	}()

	// One serve process per database. WAL handles concurrent readers, but
	// two MCP servers would hand out conflicting operation locks.
	guard := flock.New(db + ".lock")
	held, err := guard.TryLock()
	if err != nil {
		return fmt.Errorf("acquire database guard: %w", err)
	}
	if !held {
		return fmt.Errorf("database %s is already served by another torc process", db)
	}
	defer func() { _ = guard.Unlock() }()

	store, err := sqlite.New(ctx, db)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	loader, err := workflow.NewLoader(root)
	if err != nil {
		return fmt.Errorf("workflow config: %w", err)
	}
	defer func() { _ = loader.Close() }()

	locks := lock.New(viper.GetDuration("lock-ttl"))
	sessions := session.NewRegistry(viper.GetDuration("session-ttl"))

	sweep := viper.GetDuration("sweep-interval")
	go locks.RunSweeper(ctx, sweep)
	go sessions.RunSweeper(ctx, sweep)

	ops := orchestrator.New(store, loader, locks, sessions)

	srv := mcp.NewServer(serverName, Version, mcp.WithInstructions(serverInstructions))
	mcp.Register(srv, ops)
	go logMetricsSummary(ctx, srv.Metrics())

	logger.Info().
		Str("version", Version).
		Str("db", db).
		Str("config", loader.Path()).
		Dur("lock_ttl", viper.GetDuration("lock-ttl")).
		Msg("orchestrator ready")

	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("orchestrator stopped")
	return nil
}

// logMetricsSummary emits a periodic one-line digest of tool call volume
// and latency while the server runs.
func logMetricsSummary(ctx context.Context, m *mcp.Metrics) {
	logger := log.WithComponent("metrics")
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().Msg(m.Summary())
		}
	}
}
