package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/monitor"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running monitor for its status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "control surface address (defaults to http_listen_addr)")
}

func runStatus(_ *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		addr = cfg.HTTPListenAddr
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/v1/monitor/status")
	if err != nil {
		return fmt.Errorf("monitor unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor returned %d: %s", resp.StatusCode, body)
	}

	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}

	var stats monitor.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("unexpected status payload: %w", err)
	}

	state := "stopped"
	if stats.Running {
		state = "running"
	}
	fmt.Printf("monitor:            %s\n", state)
	fmt.Printf("monitored roots:    %d (%d in flight)\n", stats.MonitoredRoots, stats.InFlight)
	fmt.Printf("syncs:              %d total, %d ok, %d failed\n",
		stats.TotalSyncs, stats.SuccessfulSyncs, stats.FailedSyncs)
	fmt.Printf("stories:            %d created, %d updated\n", stats.StoriesCreated, stats.StoriesUpdated)
	fmt.Printf("test cases:         %d created\n", stats.TestCasesCreated)
	fmt.Printf("roots retired:      %d\n", stats.RootsRetired)
	fmt.Printf("generator calls:    %d (%d tokens, $%.4f estimated)\n",
		stats.Tokens.TotalCalls, stats.Tokens.TotalTokens, stats.Tokens.EstimatedCostUSD)
	if stats.LastTick != nil {
		fmt.Printf("last tick:          %s\n", stats.LastTick.Format(time.RFC3339))
	}
	return nil
}
