/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/rmemtree/pkg/config"
)

// configPath is bound to the global --config flag; the root command's
// PersistentPreRunE loads it and stores the result in the command
// context, where every subcommand reads it rather than taking it as an
// arg.
var configPath string

type ctxKey string

const configCtxKey ctxKey = "config"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rtreectl",
	Short: "rtreectl - remote B+-tree demo and diagnostics CLI",
	Long: `rtreectl drives a remote B+-tree engine against an in-process
memory simulator, exercising the engine's point, range, and concurrent
write paths the way a real RDMA-backed deployment would.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		if configPath != "" {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.DefaultConfig()
		}
		cmd.SetContext(newContextWithConfig(cmd.Context(), cfg))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a tree tuning config file (defaults built in if omitted)")
}
