package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/devblac/gov-watch/internal/rules"
)

var (
	rulesNetworks []string
	rulesForce    bool
)

func init() {
	rulesCmd.PersistentFlags().StringArrayVarP(&rulesNetworks, "network", "n", nil, "Network (repeatable; default: all configured)")
	rulesInitCmd.Flags().BoolVar(&rulesForce, "force", false, "Overwrite an existing rules file")
	rulesCmd.AddCommand(rulesShowCmd, rulesInitCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect or scaffold per-network rule files",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the rules each network would run with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		networks, err := selectNetworks(cfg, rulesNetworks)
		if err != nil {
			return err
		}
		loader := rules.Loader{Dir: cfg.Global.RulesDir, Logger: newLogger()}
		out := cmd.OutOrStdout()
		for _, n := range networks {
			set := loader.Load(n.Name)
			fmt.Fprintf(out, "%s (%s):\n", n.Name, loader.Path(n.Name))
			if len(set) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, r := range set.Strings() {
				fmt.Fprintf(out, "  %s\n", r)
			}
		}
		return nil
	},
}

var rulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default governance rules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		networks, err := selectNetworks(cfg, rulesNetworks)
		if err != nil {
			return err
		}
		loader := rules.Loader{Dir: cfg.Global.RulesDir}
		out := cmd.OutOrStdout()
		for _, n := range networks {
			path := loader.Path(n.Name)
			if _, err := os.Stat(path); err == nil && !rulesForce {
				fmt.Fprintf(out, "%s: %s exists, skipped\n", n.Name, path)
				continue
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			if err := loader.Save(n.Name, rules.Default()); err != nil {
				return fmt.Errorf("%s: %w", n.Name, err)
			}
			fmt.Fprintf(out, "%s: wrote %s\n", n.Name, path)
		}
		return nil
	},
}
