package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var configFile string

const (
	groupServer = "server"
	groupOps    = "ops"
)

var rootCmd = &cobra.Command{
	Use:   "foliodeploy",
	Short: "Publish portfolio sites to GitHub Pages",
	Long: `Foliodeploy publishes rendered portfolio sites into repositories owned by
the user, through a GitHub App installation the user grants.

It guides the installation, validates the target repository, pushes the
site content and enables Pages publishing.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to foliodeploy.yaml (searched in default locations when empty)")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupServer, Title: "Server Commands:"},
		&cobra.Group{ID: groupOps, Title: "Operations Commands:"},
	)

	serveCmd.GroupID = groupServer
	initCmd.GroupID = groupServer
	checkCmd.GroupID = groupServer
	jobsCmd.GroupID = groupOps
	fingerprintCmd.GroupID = groupOps

	// Register subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(versionCmd)
}
