package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "teamcollab",
	Short: "TeamCollab: team chat, files and realtime presence",
	Long:  "TeamCollab serves team membership, persistent chat, file sharing and a realtime presence and broadcast layer over WebSockets.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/teamcollab.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
