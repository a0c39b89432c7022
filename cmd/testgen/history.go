package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpokket/testgen/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent test generations",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of records to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/history?limit=%d", serverURL, historyLimit))
	if err != nil {
		return fmt.Errorf("calling testgen server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var records []history.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("parsing server response: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No generations yet.")
		return nil
	}

	fmt.Printf("%-10s %-24s %-14s %8s  %-6s %s\n",
		"ID", "CLASS", "MODEL", "TIME", "CACHED", "STATUS")
	for _, r := range records {
		status := string(r.Status)
		if r.Status == history.StatusError && r.Error != "" {
			status = fmt.Sprintf("error: %s", truncate(r.Error, 40))
		}
		cached := "-"
		if r.Cached {
			cached = "yes"
		}
		fmt.Printf("%-10s %-24s %-14s %6dms  %-6s %s\n",
			r.ID, truncate(r.ClassName, 24), r.ModelRequested, r.DurationMs, cached, status)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
