package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lungctsegmenter/pkg/config"
)

const defaultConfigFile = "lungctseg.yaml"

func defaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Reset the threshold ranges in the configuration file",
		Long: `Reset the lung and airway intensity ranges to their defaults.

The configuration file (--config, default lungctseg.yaml) is created with
default values when it does not exist. Other settings are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = defaultConfigFile
			}
			out := cmd.OutOrStdout()

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := config.CreateDefaultConfigFile(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", color.GreenString("Created"), path)
				return nil
			}

			c, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			c.ResetThresholds()
			if err := config.SaveConfig(c, path); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s thresholds in %s\n", color.GreenString("Reset"), path)
			fmt.Fprintf(out, "  lung:   %s\n", c.Thresholds.Lung.Range())
			fmt.Fprintf(out, "  airway: %s\n", c.Thresholds.Airway.Range())
			return nil
		},
	}
}
