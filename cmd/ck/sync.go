package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/daemon"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/syncer"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain pending mutations against the remote API",
	Long: `Drain the mutation queue against the remote finance API.

Items drain in priority order: deletes, then updates, then creates.
Version conflicts are resolved per each item's strategy; conflicts
needing manual input stay queued and are listed by "ck conflicts list".

With --kick, a running daemon is asked to drain instead of syncing in
this process.`,
	Run: func(cmd *cobra.Command, args []string) {
		kindFlag, _ := cmd.Flags().GetString("kind")
		kick, _ := cmd.Flags().GetBool("kick")
		doRefresh, _ := cmd.Flags().GetBool("refresh")
		offline, _ := cmd.Flags().GetBool("offline")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		if kick {
			if err := daemon.Kick(app.cfg.DataDir); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Asked the daemon to sync\n", ui.RenderAccent("→"))
			return
		}

		ctx := context.Background()
		engine := app.engine(connectivity.NewManual(!offline), nil, nil)

		start := time.Now()
		var result *syncer.Result

		if kindFlag != "" {
			kind := model.Kind(kindFlag)
			if !kind.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown entity kind %q (account, category, transaction)\n", kindFlag)
				os.Exit(1)
			}
			result, err = engine.DrainKind(ctx, kind)
		} else {
			result, err = engine.Drain(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			os.Exit(1)
		}
		if result.Skipped {
			fmt.Printf("%s Offline, mutations stay queued\n", ui.RenderWarn("!"))
			return
		}
		printResult(result.Completed, result.Failed, result.Conflicted, result.Rejected, time.Since(start))

		if doRefresh {
			policy := app.policy()
			for _, kind := range model.Kinds {
				if kindFlag != "" && string(kind) != kindFlag {
					continue
				}
				if err := policy.Refresh(ctx, kind); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
				}
			}
		}

		if kinds := result.Kinds(); len(kinds) > 0 {
			names := make([]string, len(kinds))
			for i, k := range kinds {
				names[i] = k.Collection()
			}
			fmt.Printf("%s\n", ui.RenderMuted("Updated: "+strings.Join(names, ", ")))
		}
	},
}

func printResult(completed, failed, conflicted, rejected int, elapsed time.Duration) {
	fmt.Printf("%s Synced %d mutation(s) in %v\n",
		ui.RenderPass("✓"), completed, elapsed.Round(time.Millisecond))
	if failed > 0 {
		fmt.Printf("%s %d failed (will retry on next sync)\n", ui.RenderWarn("!"), failed)
	}
	if conflicted > 0 {
		fmt.Printf("%s %d conflict(s) need manual resolution: ck conflicts list\n",
			ui.RenderWarn("!"), conflicted)
	}
	if rejected > 0 {
		fmt.Printf("%s %d rejected by the server: ck conflicts list --rejected\n",
			ui.RenderError("✗"), rejected)
	}
}

func init() {
	syncCmd.Flags().String("kind", "", "Sync only one entity kind (account, category, transaction)")
	syncCmd.Flags().Bool("kick", false, "Ask a running daemon to sync instead")
	syncCmd.Flags().Bool("refresh", false, "Also refresh collections from the server after draining")
	syncCmd.Flags().Bool("offline", false, "Treat the device as offline: skip the drain, leave mutations queued")

	rootCmd.AddCommand(syncCmd)
}
