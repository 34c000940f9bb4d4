package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and ESTOQUE_*
environment variables have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		if file := loader.File(); file != "" {
			fmt.Fprintln(os.Stderr, renderMuted("# from "+file))
		} else {
			fmt.Fprintln(os.Stderr, renderMuted("# no config file, defaults and environment only"))
		}

		switch format {
		case "toml":
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		}
		return fmt.Errorf("--format must be toml or yaml, got %q", format)
	},
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml or yaml")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
