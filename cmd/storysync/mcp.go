package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/epicforge/storysync/internal/mcp"
	"github.com/epicforge/storysync/internal/monitor"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tool set over stdio",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The scheduler backs monitor_status and force_check; the poll loop
	// itself is not started in MCP mode.
	notifier := monitor.NewNotifier(eng.cfg.NotificationWebhookURL, eng.log)
	scheduler := monitor.NewScheduler(eng.cfg, eng.tracker, eng.worker,
		eng.store, eng.ledger, eng.accountant, notifier, eng.log, version)

	srv := mcp.NewServer(mcp.ServerDeps{
		Scheduler:  scheduler,
		Worker:     eng.worker,
		Tracker:    eng.tracker,
		Accountant: eng.accountant,
		Logger:     eng.log,
		Version:    version,
	})
	return srv.Run(ctx)
}
