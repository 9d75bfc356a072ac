package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Inspect and resolve sync conflicts",
	Long: `Inspect mutations the sync engine could not apply.

Conflicted items carry edits whose server version changed underneath
them and whose strategy is manual. Rejected items were permanently
refused by the server (validation errors) and are not retried until
explicitly re-queued.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicted and rejected mutations",
	Run: func(cmd *cobra.Command, args []string) {
		rejectedOnly, _ := cmd.Flags().GetBool("rejected")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()

		statuses := []model.Status{model.StatusConflict, model.StatusRejected}
		if rejectedOnly {
			statuses = []model.Status{model.StatusRejected}
		}

		total := 0
		for _, status := range statuses {
			items, err := app.queue.ListByStatus(ctx, status)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, item := range items {
				total++
				header := fmt.Sprintf("item %d: %s %s %s [%s]",
					item.ID, item.Action, item.Kind, item.Payload.ID, status)
				if status == model.StatusRejected {
					fmt.Println(ui.RenderError(header))
				} else {
					fmt.Println(ui.RenderWarn(header))
				}
				if item.LastError != "" {
					fmt.Printf("  %s\n", ui.RenderMuted(item.LastError))
				}

				// Show both sides so the caller can decide.
				local, _ := json.Marshal(item.Payload.Fields)
				fmt.Printf("  local:  %s\n", local)
				if remote, err := app.client.Get(ctx, item.Kind, item.Payload.ID); err == nil {
					server, _ := json.Marshal(remote.Fields)
					fmt.Printf("  server: %s\n", server)
				}
			}
		}

		if total == 0 {
			fmt.Println(ui.RenderPass("No conflicts"))
		} else {
			fmt.Printf("\n%s\n", ui.RenderMuted(
				"Resolve with: ck conflicts resolve <item> --strategy client_wins|server_wins|newest_wins|merge"))
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <item>",
	Short: "Resolve a conflicted mutation with a strategy",
	Long: `Re-queue a conflicted or rejected mutation with a resolution strategy.

The item re-enters the pending queue; the next sync applies the chosen
strategy against the server's then-current version.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategyFlag, _ := cmd.Flags().GetString("strategy")

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid item id %q\n", args[0])
			os.Exit(1)
		}
		strategy := model.Strategy(strategyFlag)
		if !strategy.Valid() || strategy == model.StrategyManual {
			fmt.Fprintf(os.Stderr,
				"Error: strategy must be client_wins, server_wins, newest_wins, or merge\n")
			os.Exit(1)
		}

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()
		item, err := app.queue.ItemByID(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := app.queue.ResolveConflict(ctx, id, item.Payload, strategy); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Item %d re-queued with strategy %s; run ck sync to apply\n",
			ui.RenderPass("✓"), id, strategy)
	},
}

func init() {
	conflictsListCmd.Flags().Bool("rejected", false, "Only show server-rejected items")
	conflictsResolveCmd.Flags().String("strategy", "", "Resolution strategy (required)")
	_ = conflictsResolveCmd.MarkFlagRequired("strategy")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
