package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TyrellHaywood/echo-sub001/server"
)

var rootCmd = &cobra.Command{
	Use:   "echo_server",
	Short: "Echo is a realtime collaborative audio workspace service.",
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
