package cmd

import (
	"context"
	"fmt"

	"bastion/bootstrap"
	"bastion/detect"
	"bastion/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage detection rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a detection rule file without importing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := detect.LoadRulesFromFile(args[0], zap.NewNop().Sugar())
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d rules valid\n", len(rules))
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a detection rule file and upsert its rules into the rule store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap.InitConfig(configPath)
		if err != nil {
			return err
		}
		_, sugar, err := bootstrap.InitLogger(cfg)
		if err != nil {
			return err
		}

		rules, err := detect.LoadRulesFromFile(args[0], sugar)
		if err != nil {
			return err
		}

		store, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		for i := range rules {
			if err := store.UpsertRule(ctx, &rules[i]); err != nil {
				return fmt.Errorf("failed to import rule %s: %w", rules[i].RuleID, err)
			}
		}
		fmt.Printf("Imported %d rules into %s\n", len(rules), cfg.SQLite.Path)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesImportCmd)
}
