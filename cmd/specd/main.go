// Package main implements the specd CLI: the spec-auto pipeline driver,
// its per-stage guardrail commands, and operator tooling against a
// running specd server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "specd",
	Short: "Multi-agent spec pipeline driver",
	Long: `specd drives a spec through the plan, tasks, implement, validate,
audit, and unlock stages. Each stage runs its guardrail, collects a
multi-agent consensus round, and persists evidence before the pipeline
advances.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/specd/config.yaml)")
	rootCmd.SetVersionTemplate(versionString())

	rootCmd.AddCommand(autoCmd)
	for _, cmd := range stageCmds() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(checkSynthesisCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
}

func versionString() string {
	return fmt.Sprintf("specd by Fyrsmith Labs\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
		version, gitCommit, buildDate)
}
