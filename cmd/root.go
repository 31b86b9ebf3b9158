package cmd

import (
	"fmt"
	"os"

	"Px1LED/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "px1led",
	Short: "Px1LED is an LED matrix pattern controller.",
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
