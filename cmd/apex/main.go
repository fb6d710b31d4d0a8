package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "apex",
		Short: "apex - capacity-aware multi-agent workflow engine",
		Long: `apex runs tasks through declarative workflows of agent stages.
Independent stages run in parallel batches inside an isolated git worktree,
and new batches are admitted only while the daily usage budget allows.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "project config file path (default .apex/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
