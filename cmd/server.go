package cmd

import (
	"Px1LED/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the controller HTTP server",
	Long:  `Run the pattern controller: upload endpoints, playback control, the diagnostic surface and the live frame feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
