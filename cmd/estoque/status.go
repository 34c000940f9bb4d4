package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Isaquewa/estoqueapp-sub000/internal/dashboard"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store, outbox and remote status",
	Long: `Display the current state of the local store and of the outbox.

Shows:
  - Store file location and size
  - Stock totals, low stock and expiring items
  - Pending and dead-lettered outbox operations
  - Whether the remote answers a ping`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "text", "yaml", "json":
		default:
			return fmt.Errorf("--format must be text, yaml or json, got %q", format)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.pingRemote(ctx)
		h := dashboard.NewHandler(nil, a.queue, a.tracker, logger.Logger)
		if sum, res := a.services.Summary.Refresh(ctx); res.OK {
			h.Publish(string(dashboard.MessageTypeSummary), sum)
		} else {
			logger.Warn().Str("error", res.Message).Msg("Summary unavailable")
		}
		st := h.Status(ctx)

		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(st); err != nil {
				return err
			}
			return enc.Close()
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(st)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, yaml or json")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(st dashboard.Status) {
	fmt.Printf("\n%s Estoque status\n\n", renderAccent("●"))

	size := "missing"
	if info, err := os.Stat(cfg.Store.Path); err == nil {
		size = formatSize(info.Size())
	}
	fmt.Println(row("Store", fmt.Sprintf("%s (%s)", cfg.Store.Path, size)))

	switch {
	case !cfg.RemoteEnabled():
		fmt.Println(row("Remote", renderMuted("none configured")))
	case st.Online:
		fmt.Println(row("Remote", renderPass(cfg.Remote.Kind+" reachable")))
	default:
		fmt.Println(row("Remote", renderWarn(fmt.Sprintf("%s unreachable since %s", cfg.Remote.Kind, st.OnlineSince.Format(time.DateTime)))))
		if st.LastError != "" {
			fmt.Println(row("", renderMuted(st.LastError)))
		}
	}

	if st.Outbox != nil {
		pending := fmt.Sprint(st.Outbox.Pending)
		if st.Outbox.Pending > 0 {
			pending = renderWarn(pending) + renderMuted(" (oldest "+st.Outbox.OldestPending+")")
		}
		fmt.Println(row("Pending", pending))
		dead := fmt.Sprint(st.Outbox.DeadLetter)
		if st.Outbox.DeadLetter > 0 {
			dead = renderFail(dead)
		}
		fmt.Println(row("Dead letters", dead))
	} else if st.OutboxError != "" {
		fmt.Println(row("Outbox", renderFail(st.OutboxError)))
	}

	if s := st.Summary; s != nil {
		fmt.Println()
		fmt.Println(row("Products", fmt.Sprint(s.Products)))
		fmt.Println(row("Residues", fmt.Sprint(s.Residues)))
		fmt.Println(row("Groups", fmt.Sprint(s.Groups)))
		fmt.Println(row("Low stock", fmt.Sprint(len(s.LowStock))))
		for _, item := range s.LowStock {
			fmt.Println(row("", renderMuted(fmt.Sprintf("%s: %g %s (min %g)", item.Name, item.Quantity, item.Unit, item.MinQuantity))))
		}
		fmt.Println(row("Expiring", fmt.Sprint(len(s.Expiring))))
		for _, item := range s.Expiring {
			fmt.Println(row("", renderMuted(fmt.Sprintf("%s: %s", item.Name, item.ExpiryDate))))
		}
	}
	fmt.Println()
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}
