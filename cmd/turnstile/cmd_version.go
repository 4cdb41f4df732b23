package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/hooks"
	"github.com/user/turnstile/internal/runtime"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print library and hook contract versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("turnstile %s (hook contract %s)\n", runtime.Version, hooks.CurrentContract)
	},
}
