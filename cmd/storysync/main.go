// Command storysync runs the requirement-to-story sync engine: a polling
// monitor with an HTTP control surface, plus one-shot extraction commands
// and an MCP server for agent integration.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/generator"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/logging"
	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker/azuredevops"
	"github.com/epicforge/storysync/internal/types"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

const exitInterrupted = 130

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "storysync",
	Short:         "Sync tracker requirements into generated user stories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(testCasesCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storysync: %v\n", err)
		if errors.Is(err, errInterrupted) {
			os.Exit(exitInterrupted)
		}
		os.Exit(1)
	}
}

var errInterrupted = errors.New("interrupted")

// engine bundles everything a command needs to talk to the tracker and
// the generator.
type engine struct {
	cfg        *config.Config
	log        *slog.Logger
	logCloser  io.Closer
	tracker    *azuredevops.Adapter
	generator  *generator.Client
	store      *snapshot.Store
	ledger     *ledger.Ledger
	accountant *tokens.Accountant
	worker     *monitor.Worker
}

func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closer := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})

	if cfg.Tracker.OrganizationURL == "" || cfg.Tracker.Project == "" {
		return nil, errors.New("tracker.organization_url and tracker.project are required (config file or STORYSYNC_TRACKER_* environment)")
	}

	tr := azuredevops.New(
		cfg.Tracker.OrganizationURL,
		cfg.Tracker.Project,
		cfg.Tracker.PersonalAccessToken,
		cfg.Tracker.APIVersion,
		time.Duration(cfg.Tracker.TimeoutSeconds)*time.Second,
	)

	gen, err := generator.NewClient(
		cfg.Generator.APIKey,
		cfg.Generator.Model,
		cfg.Generator.MaxRetries,
		time.Duration(cfg.Generator.RetryDelaySeconds)*time.Second,
	)
	if err != nil {
		return nil, err
	}

	store, err := snapshot.NewStore(cfg.SnapshotDirectory, log)
	if err != nil {
		return nil, err
	}
	reqType := types.ParseRootType(cfg.RequirementType)
	led, err := ledger.Load(filepath.Join(cfg.StateDirectory, "monitor_state.json"), reqType, log)
	if err != nil {
		return nil, err
	}
	acc := tokens.NewAccountant(filepath.Join(cfg.StateDirectory, "logs", "token_usage.json"), log)

	worker := monitor.NewWorker(tr, gen, store, led, acc, log, monitor.WorkerOptions{
		RequirementType:    reqType,
		UserStoryType:      types.ParseRootType(cfg.UserStoryType),
		TestCaseType:       types.RootTestCase,
		AutoTestCases:      cfg.AutoTestCaseExtraction,
		CompactTestPrompts: cfg.EnableCompactExtraction,
		ArchiveOrphans:     cfg.ArchiveOrphans,
		RetryAttempts:      cfg.RetryAttempts,
		RetryDelay:         time.Duration(cfg.RetryDelaySeconds) * time.Second,
		Version:            version,
	})

	return &engine{
		cfg:        cfg,
		log:        log,
		logCloser:  closer,
		tracker:    tr,
		generator:  gen,
		store:      store,
		ledger:     led,
		accountant: acc,
		worker:     worker,
	}, nil
}

func (e *engine) Close() {
	if err := e.accountant.Flush(); err != nil {
		e.log.Warn("token store flush failed", "error", err)
	}
	if e.logCloser != nil {
		_ = e.logCloser.Close()
	}
}
