package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var categoryCmd = &cobra.Command{
	Use:     "category",
	GroupID: "data",
	Short:   "Manage categories",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a category",
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		categoryType, _ := cmd.Flags().GetString("type")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		entity, err := app.ledger().Create(context.Background(), model.KindCategory, map[string]any{
			"name": name,
			"type": categoryType,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Added category %q %s\n",
			ui.RenderPass("✓"), name, ui.RenderPending("(pending sync)"))
		fmt.Printf("%s\n", ui.RenderMuted("id: "+entity.ID))
	},
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached categories",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		entities, err := app.store.List(context.Background(), model.KindCategory, store.ListFilter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No categories cached"))
			return
		}
		for _, e := range entities {
			marker := " "
			if !e.Meta.Synced {
				marker = ui.RenderPending("*")
			}
			label := e.StringField("name")
			if e.ProfileID() == 0 {
				label += " " + ui.RenderMuted("(built-in)")
			}
			fmt.Printf("%s %-32s %s\n", marker, label, ui.RenderMuted(e.ID))
		}
	},
}

func init() {
	categoryAddCmd.Flags().String("name", "", "Category name (required)")
	categoryAddCmd.Flags().String("type", "expense", "expense or income")
	_ = categoryAddCmd.MarkFlagRequired("name")

	categoryCmd.AddCommand(categoryAddCmd, categoryListCmd)
	rootCmd.AddCommand(categoryCmd)
}
