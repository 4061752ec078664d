package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mendyEdri/mcp-events-sub002/internal/clock"
	"github.com/mendyEdri/mcp-events-sub002/internal/store"
	"github.com/mendyEdri/mcp-events-sub002/pkg/event"
)

func init() {
	rootCmd.AddCommand(subsCmd)
	subsCmd.AddCommand(subsListCmd, subsRemoveCmd)

	subsListCmd.Flags().String("client", "", "filter by client id")
}

// openStore opens the daemon's file-backed subscription store for
// offline inspection. Run against a live daemon the listing may lag a
// beat behind its in-memory state.
func openStore() (*store.Store, error) {
	cfg := loadConfig()
	backend, err := store.NewFileBackend(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open subscription store: %w", err)
	}
	return store.New(backend, cfg.Broker.MaxSubscriptionsPerClient, clock.System()), nil
}

var subsCmd = &cobra.Command{
	Use:   "subs",
	Short: "Inspect stored subscriptions",
}

var subsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID, _ := cmd.Flags().GetString("client")

		st, err := openStore()
		if err != nil {
			return err
		}

		ctx := context.Background()
		var subs []*event.Subscription
		if clientID != "" {
			subs, err = st.List(ctx, clientID, nil)
		} else {
			subs, err = st.All(ctx)
		}
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}

		if len(subs) == 0 {
			fmt.Println("No subscriptions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tSTATUS\tCHANNELS\tTYPES\tCREATED")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.ClientID,
				s.Status,
				joinChannels(s.Delivery.Channels),
				strings.Join(s.Filter.EventTypes, ","),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var subsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a stored subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		ctx := context.Background()
		sub, err := st.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}
		if err := st.Remove(ctx, sub.ID, sub.ClientID); err != nil {
			return fmt.Errorf("remove subscription: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Subscription %s removed.\n", sub.ID)
		return nil
	},
}

func joinChannels(channels []event.Channel) string {
	parts := make([]string, len(channels))
	for i, c := range channels {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
