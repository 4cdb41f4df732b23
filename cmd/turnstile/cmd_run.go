package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/user/turnstile/pkg/client"
)

var (
	runCwd     string
	runModel   string
	runEffort  string
	runTimeout time.Duration
	runNoGuard bool
)

func init() {
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory for the turn (default: current directory)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().StringVar(&runEffort, "effort", "", "reasoning effort (low|medium|high)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-turn timeout")
	runCmd.Flags().BoolVar(&runNoGuard, "no-version-check", false, "skip the app-server version guard")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run PROMPT",
	Short: "Run one prompt against the app-server and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cwd := runCwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve cwd: %w", err)
		}
		cwd = wd
	}

	clientCfg := client.NewConfig().
		WithBin(cfg.AppServer.Bin, cfg.AppServer.Args...).
		WithSchemaDir(cfg.AppServer.SchemaDir)
	if runNoGuard {
		clientCfg = clientCfg.WithoutGuard()
	} else if cfg.AppServer.MinVersion != "" {
		minVersion, err := semver.NewVersion(cfg.AppServer.MinVersion)
		if err != nil {
			return fmt.Errorf("invalid min_version in config: %w", err)
		}
		clientCfg = clientCfg.WithGuard(client.CompatibilityGuard{
			RequireUserAgent: true,
			MinVersion:       minVersion,
		})
	}

	c, err := client.Connect(cmd.Context(), clientCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Shutdown(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	profile := client.NewRunProfile()
	if runModel != "" {
		profile = profile.WithModel(runModel)
	}
	if runEffort != "" {
		profile = profile.WithEffort(client.Effort(runEffort))
	} else if cfg.Turn.Effort != "" {
		profile = profile.WithEffort(client.Effort(cfg.Turn.Effort))
	}
	if runTimeout > 0 {
		profile = profile.WithTimeout(runTimeout)
	} else if cfg.Turn.TimeoutSeconds > 0 {
		profile = profile.WithTimeout(time.Duration(cfg.Turn.TimeoutSeconds) * time.Second)
	}

	result, err := c.RunWithProfile(cmd.Context(), cwd, args[0], profile)
	if err != nil {
		return err
	}

	fmt.Println(result.AssistantText)
	for _, issue := range result.HookReport.Issues {
		fmt.Fprintf(os.Stderr, "hook issue [%s/%s] %s: %s\n", issue.Phase, issue.Class, issue.HookName, issue.Message)
	}
	return nil
}
