/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/rmemtree/pkg/rnode"
)

// statsInserts is bound to --inserts: how many sequential keys to
// insert before printing the resulting Statistics.
var statsInserts int

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Insert a sequential workload and print the resulting tree statistics as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromContext(cmd.Context())
		ctx := cmd.Context()

		t, err := newDemoTree(ctx, cfg)
		if err != nil {
			return err
		}
		for k := 1; k <= statsInserts; k++ {
			if err := t.Insert(ctx, rnode.KeyFromUint64(uint64(k)), rnode.Value(k)); err != nil {
				return fmt.Errorf("insert %d: %w", k, err)
			}
		}

		out, err := yaml.Marshal(t.Statistics())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsInserts, "inserts", 1000, "Number of sequential keys to insert before printing statistics")
}
