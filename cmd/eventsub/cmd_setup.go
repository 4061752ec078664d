package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mendyEdri/mcp-events-sub002/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("eventsub Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Data directory
		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)

		// 2. HTTP listen address
		cfg.HTTP.Listen = prompt(scanner, "Ingest listen address", cfg.HTTP.Listen)

		// 3. Ingest token (optional)
		cfg.Ingest.Token = prompt(scanner, "Ingest bearer token (optional)", cfg.Ingest.Token)

		// 4. Per-client subscription quota
		quotaStr := prompt(scanner, "Max subscriptions per client", strconv.Itoa(cfg.Broker.MaxSubscriptionsPerClient))
		if n, err := strconv.Atoi(quotaStr); err == nil && n > 0 {
			cfg.Broker.MaxSubscriptionsPerClient = n
		}

		// 5. Default batch window
		batchStr := prompt(scanner, "Default batch interval (seconds)", strconv.Itoa(cfg.Broker.DefaultBatchIntervalSeconds))
		if n, err := strconv.Atoi(batchStr); err == nil && n > 0 {
			cfg.Broker.DefaultBatchIntervalSeconds = n
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
