package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "capsync",
	Short:         "One-way Todoist to Notion task sync service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("capsync", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env vars win)")
	rootCmd.AddCommand(serveCmd, reconcileCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
