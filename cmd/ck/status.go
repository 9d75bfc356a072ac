package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and sync queue status",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()

		connFlag, err := app.store.AppState(ctx, store.AppStateConnectivity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		switch connFlag {
		case "online":
			fmt.Printf("Connectivity: %s\n", ui.RenderPass("online"))
		case "offline":
			fmt.Printf("Connectivity: %s\n", ui.RenderWarn("offline"))
		default:
			fmt.Printf("Connectivity: %s\n", ui.RenderMuted("unknown"))
		}

		fmt.Printf("\n%s\n", ui.RenderAccent("Cache"))
		for _, kind := range model.Kinds {
			count, err := app.store.Count(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			watermark, err := app.store.Watermark(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			age := "never refreshed"
			if !watermark.IsZero() {
				age = fmt.Sprintf("refreshed %v ago", time.Since(watermark).Round(time.Second))
			}
			fmt.Printf("  %-13s %4d cached  %s\n", kind.Collection(), count, ui.RenderMuted(age))
		}

		counts, err := app.queue.CountByStatus(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s\n", ui.RenderAccent("Sync queue"))
		if len(counts) == 0 {
			fmt.Printf("  %s\n", ui.RenderPass("empty - everything is synced"))
			return
		}
		for _, status := range []model.Status{
			model.StatusPending, model.StatusInProgress, model.StatusFailed,
			model.StatusConflict, model.StatusRejected,
		} {
			if n := counts[status]; n > 0 {
				label := fmt.Sprintf("  %-13s %4d", status, n)
				switch status {
				case model.StatusConflict, model.StatusRejected:
					fmt.Println(ui.RenderWarn(label))
				case model.StatusFailed:
					fmt.Println(ui.RenderError(label))
				default:
					fmt.Println(label)
				}
			}
		}

		flagged, err := app.queue.ListByStatus(ctx, model.StatusFailed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, item := range flagged {
			if item.Flagged {
				fmt.Printf("%s item %d (%s %s %s) has failed %d times: %s\n",
					ui.RenderWarn("!"), item.ID, item.Action, item.Kind,
					item.Payload.ID, item.Attempts, item.LastError)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
