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

var accountCmd = &cobra.Command{
	Use:     "account",
	GroupID: "data",
	Short:   "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account",
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		accountType, _ := cmd.Flags().GetString("type")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		entity, err := app.ledger().Create(context.Background(), model.KindAccount, map[string]any{
			"name": name,
			"type": accountType,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Added account %q %s\n",
			ui.RenderPass("✓"), name, ui.RenderPending("(pending sync)"))
		fmt.Printf("%s\n", ui.RenderMuted("id: "+entity.ID))
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached accounts",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		entities, err := app.store.List(context.Background(), model.KindAccount, store.ListFilter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No accounts cached"))
			return
		}
		for _, e := range entities {
			marker := " "
			if !e.Meta.Synced {
				marker = ui.RenderPending("*")
			}
			fmt.Printf("%s %-24s %-10s %s\n",
				marker, e.StringField("name"), e.StringField("type"),
				ui.RenderMuted(e.ID))
		}
	},
}

func init() {
	accountAddCmd.Flags().String("name", "", "Account name (required)")
	accountAddCmd.Flags().String("type", "checking", "Account type")
	_ = accountAddCmd.MarkFlagRequired("name")

	accountCmd.AddCommand(accountAddCmd, accountListCmd)
	rootCmd.AddCommand(accountCmd)
}
