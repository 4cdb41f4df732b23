package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/contract"
)

func init() {
	schemaCmd.AddCommand(schemaVerifyCmd)
	schemaCmd.AddCommand(schemaSealCmd)
	rootCmd.AddCommand(schemaCmd)
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and maintain the app-server schema bundle",
}

var schemaVerifyCmd = &cobra.Command{
	Use:   "verify [DIR]",
	Short: "Verify a schema bundle against its manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveSchemaArg(args)
		if err != nil {
			return err
		}
		bundle, err := contract.Load(dir)
		if err != nil {
			return err
		}
		label := dir
		if label == "" {
			label = "(embedded)"
		}
		fmt.Printf("ok: %s (%s, %d schema files)\n", label, bundle.Metadata.SchemaName, len(bundle.Schemas))
		return nil
	},
}

var schemaSealCmd = &cobra.Command{
	Use:   "seal DIR",
	Short: "Recompute a schema bundle manifest after edits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := contract.Seal(args[0]); err != nil {
			return err
		}
		fmt.Printf("sealed: %s\n", args[0])
		return nil
	},
}

func resolveSchemaArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	override := ""
	if cfg != nil {
		override = cfg.AppServer.SchemaDir
	}
	return contract.ResolveDir(override)
}
