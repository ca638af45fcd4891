package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rollupd",
	Short: "Off-chain rollup runner daemon",
	Long: `rollupd drives the off-chain execution of a rollup: it consumes the
ordered input stream, advances the compute session one input at a time,
finalizes epochs, and publishes epoch claims.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
