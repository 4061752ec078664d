package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("type", "", "event type (required)")
	publishCmd.Flags().String("source", "", "event source: github|gmail|slack|custom (required)")
	publishCmd.Flags().String("data", "", "event payload as JSON")
	publishCmd.Flags().String("priority", "", "event priority: low|normal|high|critical")
	publishCmd.Flags().StringArray("tag", nil, "event tag (repeatable)")
	publishCmd.Flags().String("addr", "", "daemon address (default: http.listen from config)")
	_ = publishCmd.MarkFlagRequired("type")
	_ = publishCmd.MarkFlagRequired("source")
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an event to a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		source, _ := cmd.Flags().GetString("source")
		dataJSON, _ := cmd.Flags().GetString("data")
		priority, _ := cmd.Flags().GetString("priority")
		tags, _ := cmd.Flags().GetStringArray("tag")
		addr, _ := cmd.Flags().GetString("addr")

		cfg := loadConfig()
		if addr == "" {
			addr = cfg.HTTP.Listen
		}

		ev := event.Event{
			Type: eventType,
			Metadata: event.Metadata{
				Source:   event.Source(source),
				Priority: event.Priority(priority),
				Tags:     tags,
			},
		}
		if dataJSON != "" {
			if err := json.Unmarshal([]byte(dataJSON), &ev.Data); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
		}

		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/events", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Ingest.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Ingest.Token)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("post event: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
		}

		var accepted struct {
			ID      string `json:"id"`
			Matched int    `json:"matched"`
		}
		if err := json.Unmarshal(respBody, &accepted); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Event %s published (matched %d subscriptions).\n", accepted.ID, accepted.Matched)
		return nil
	},
}
