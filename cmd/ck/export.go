package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/export"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Export the cached collections to JSONL",
	Long: `Write every cached entity to a JSONL file, one entity per line.

Sync metadata is included, so a backup taken mid-offline-session keeps
its pending markers and can be restored without losing unsent work.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		result, err := export.ToJSONL(context.Background(), app.store, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Exported %d entities to %s\n", ui.RenderPass("✓"), result.Total, args[0])
		for _, kind := range model.Kinds {
			if n := result.ByKind[kind]; n > 0 {
				fmt.Printf("  %-13s %d\n", kind.Collection(), n)
			}
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Restore cached collections from a JSONL export",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		result, err := export.FromJSONL(context.Background(), app.store, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Imported %d entities from %s\n", ui.RenderPass("✓"), result.Total, args[0])
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
}
