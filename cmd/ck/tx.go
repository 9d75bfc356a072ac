package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/ui"
)

var txCmd = &cobra.Command{
	Use:     "tx",
	GroupID: "data",
	Short:   "Manage transactions",
}

var txAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a transaction",
	Long: `Record a transaction in the local cache.

The transaction appears immediately and syncs to the server in the
background. Dates accept natural language: --date "yesterday",
--date "last friday", --date 2024-01-15.`,
	Run: func(cmd *cobra.Command, args []string) {
		amountFlag, _ := cmd.Flags().GetString("amount")
		typeFlag, _ := cmd.Flags().GetString("type")
		dateFlag, _ := cmd.Flags().GetString("date")
		accountFlag, _ := cmd.Flags().GetString("account")
		categoryFlag, _ := cmd.Flags().GetString("category")
		noteFlag, _ := cmd.Flags().GetString("note")

		amount, err := decimal.NewFromString(amountFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid amount %q\n", amountFlag)
			os.Exit(1)
		}
		if typeFlag != "expense" && typeFlag != "income" {
			fmt.Fprintf(os.Stderr, "Error: type must be expense or income\n")
			os.Exit(1)
		}

		date, err := parseDate(dateFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		fields := map[string]any{
			"amount":           amount.String(),
			"type":             typeFlag,
			"transaction_date": date.Format("2006-01-02"),
			"account_id":       accountFlag,
		}
		if categoryFlag != "" {
			fields["category_id"] = categoryFlag
		}
		if noteFlag != "" {
			fields["description"] = noteFlag
		}

		entity, err := app.ledger().Create(context.Background(), model.KindTransaction, fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Recorded %s %s on %s %s\n",
			ui.RenderPass("✓"), typeFlag, amount.String(),
			date.Format("2006-01-02"),
			ui.RenderPending("(pending sync)"))
		fmt.Printf("%s\n", ui.RenderMuted("id: "+entity.ID))
	},
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached transactions, most recent first",
	Run: func(cmd *cobra.Command, args []string) {
		accountFlag, _ := cmd.Flags().GetString("account")
		limitFlag, _ := cmd.Flags().GetInt("limit")
		fresh, _ := cmd.Flags().GetBool("fresh")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()
		filter := store.ListFilter{AccountID: accountFlag, Limit: limitFlag}

		var entities []*model.Entity
		if fresh {
			// Read-through: refresh if the watermark is stale, serve
			// cache if the refresh fails.
			entities, err = app.policy().List(ctx, model.KindTransaction, filter)
		} else {
			entities, err = app.store.List(ctx, model.KindTransaction, filter)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No transactions cached"))
			return
		}

		for _, e := range entities {
			marker := " "
			if !e.Meta.Synced {
				marker = ui.RenderPending("*")
			}
			sign := "-"
			if e.StringField("type") == "income" {
				sign = "+"
			}
			line := fmt.Sprintf("%s %s  %s%8s  %s",
				marker,
				e.StringField("transaction_date"),
				sign,
				e.DecimalField("amount").StringFixed(2),
				e.StringField("description"))
			fmt.Println(line)
		}
		fmt.Printf("\n%s\n", ui.RenderMuted(fmt.Sprintf("%d transaction(s); * = pending sync", len(entities))))
	},
}

var txDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a transaction",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		if err := app.ledger().Delete(context.Background(), model.KindTransaction, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted transaction %s %s\n",
			ui.RenderPass("✓"), args[0], ui.RenderPending("(pending sync)"))
	},
}

// parseDate accepts natural language ("yesterday", "last monday") and
// plain dates.
func parseDate(input string) (time.Time, error) {
	if input == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse("2006-01-02", input); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(input, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", input, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", input)
	}
	return result.Time, nil
}

func init() {
	txAddCmd.Flags().String("amount", "", "Amount (required)")
	txAddCmd.Flags().String("type", "expense", "expense or income")
	txAddCmd.Flags().String("date", "", "Transaction date (default today; accepts natural language)")
	txAddCmd.Flags().String("account", "", "Account id (required)")
	txAddCmd.Flags().String("category", "", "Category id")
	txAddCmd.Flags().String("note", "", "Description")
	_ = txAddCmd.MarkFlagRequired("amount")
	_ = txAddCmd.MarkFlagRequired("account")

	txListCmd.Flags().String("account", "", "Only transactions for this account")
	txListCmd.Flags().Int("limit", 0, "Limit the number of results")
	txListCmd.Flags().Bool("fresh", false, "Refresh from the server first if the cache is stale")

	txCmd.AddCommand(txAddCmd, txListCmd, txDeleteCmd)
	rootCmd.AddCommand(txCmd)
}
