package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/policy"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.yaml and policy.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := config.HomeDir()
			wrote, err := config.WriteDefault(home)
			if err != nil {
				return err
			}
			report(cmd, config.ConfigPath(home), wrote)

			cfg, err := config.LoadFrom(home)
			if err != nil {
				return err
			}
			wrote, err = writeDefaultPolicy(cfg.PolicyPath())
			if err != nil {
				return err
			}
			report(cmd, cfg.PolicyPath(), wrote)
			return nil
		},
	}
}

func report(cmd *cobra.Command, path string, wrote bool) {
	if wrote {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("wrote"), path)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("exists"), path)
}

func writeDefaultPolicy(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat policy: %w", err)
	}
	out, err := yaml.Marshal(policy.Default())
	if err != nil {
		return false, fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write policy: %w", err)
	}
	return true, nil
}
