package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 版本信息（编译时注入）
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd version命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Task Graph CLI\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  Version:    %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
	},
}
