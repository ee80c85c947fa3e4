package cmd

import (
	"github.com/spf13/cobra"

	"github.com/TyrellHaywood/echo-sub001/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动Echo协作服务器",
	Long:  `启动Echo音频协作工作台的HTTP服务器，提供协作会话和混音API`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
