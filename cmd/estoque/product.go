package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/service"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
)

var productCmd = &cobra.Command{
	Use:     "product",
	GroupID: "data",
	Short:   "Manage products (or residues with --residue)",
}

var productAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a product",
	Long: `Add a product to the local store and mirror it to the remote.

The write succeeds even when the remote is unreachable; the change is then
kept in the outbox until the next sync.

Examples:
  estoque product add "Detergent" --qty 12 --unit l --min 4
  estoque product add "Milk" --qty 6 --expires "next friday"
  estoque product add "Used oil" --qty 20 --unit l --residue`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, _ := cmd.Flags().GetFloat64("qty")
		unit, _ := cmd.Flags().GetString("unit")
		minQty, _ := cmd.Flags().GetFloat64("min")
		group, _ := cmd.Flags().GetString("group")
		expires, _ := cmd.Flags().GetString("expires")
		notes, _ := cmd.Flags().GetString("notes")

		expiry, err := parseDate(expires, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		item, res := itemService(cmd, a).Create(cmd.Context(), &model.Item{
			Name:        args[0],
			Quantity:    qty,
			Unit:        unit,
			MinQuantity: minQty,
			GroupID:     group,
			ExpiryDate:  expiry,
			Notes:       notes,
		})
		if err := res.Err(); err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", renderPass("✓"), res.Message, renderMuted("("+item.ID+")"))
		reportPending(cmd, a)
		return nil
	},
}

var productAdjustCmd = &cobra.Command{
	Use:   "adjust ID DELTA",
	Short: "Record a stock movement (positive enters, negative leaves)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		item, res := itemService(cmd, a).AdjustQuantity(cmd.Context(), args[0], delta, "")
		if err := res.Err(); err != nil {
			return err
		}
		fmt.Printf("%s %s: %g %s\n", renderPass("✓"), item.Name, item.Quantity, item.Unit)
		reportPending(cmd, a)
		return nil
	},
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products",
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		low, _ := cmd.Flags().GetBool("low")
		expiring, _ := cmd.Flags().GetString("expiring")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		by, err := parseDate(expiring, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		items, res := itemService(cmd, a).List(cmd.Context(), local.ItemFilter{
			Search:     search,
			LowStock:   low,
			ExpiringBy: by,
		})
		if err := res.Err(); err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}
		if len(items) == 0 {
			fmt.Println(renderMuted("No items"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tQTY\tMIN\tEXPIRES")
		for _, item := range items {
			name := item.Name
			if item.IsLow() {
				name = renderWarn(name)
			}
			fmt.Fprintf(w, "%s\t%s\t%g %s\t%g\t%s\n", item.ID, name, item.Quantity, item.Unit, item.MinQuantity, item.ExpiryDate)
		}
		return w.Flush()
	},
}

func init() {
	productCmd.PersistentFlags().Bool("residue", false, "Work on residues instead of products")

	productAddCmd.Flags().Float64("qty", 0, "Initial quantity")
	productAddCmd.Flags().String("unit", "", "Unit (un, kg, l...)")
	productAddCmd.Flags().Float64("min", 0, "Minimum quantity before the item counts as low stock")
	productAddCmd.Flags().String("group", "", "Group id")
	productAddCmd.Flags().String("expires", "", "Expiry date (YYYY-MM-DD or e.g. \"next friday\")")
	productAddCmd.Flags().String("notes", "", "Free-form notes")

	productListCmd.Flags().String("search", "", "Filter by name")
	productListCmd.Flags().Bool("low", false, "Only items at or below their minimum")
	productListCmd.Flags().String("expiring", "", "Only items expiring on or before this date")
	productListCmd.Flags().Bool("json", false, "Output as JSON")

	productCmd.AddCommand(productAddCmd, productAdjustCmd, productListCmd)
	rootCmd.AddCommand(productCmd)
}

func itemService(cmd *cobra.Command, a *app) *service.ItemService {
	if residue, _ := cmd.Flags().GetBool("residue"); residue {
		return a.services.Residues
	}
	return a.services.Products
}

// reportPending tells the user when the change is waiting for the remote.
func reportPending(cmd *cobra.Command, a *app) {
	if a.remote == nil {
		return
	}
	st, err := a.queue.Stats(cmd.Context())
	if err != nil || st.Pending == 0 {
		return
	}
	fmt.Printf("%s %d change(s) waiting for the remote; run 'estoque sync' later\n", renderWarn("⚠"), st.Pending)
}
