package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage stored trigger rules",
	Long:  `Import, list and export the rules stored in the service database. A running service picks up changes on restart or on the rules reload command.`,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, registry *trigger.Registry) error {
			rules, err := trigger.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			created, updated, err := registry.Import(ctx, rules)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules (%d created, %d updated)\n", created+updated, created, updated)
			return nil
		})
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRegistry(cmd, func(ctx context.Context, registry *trigger.Registry) error {
			rules, err := registry.ListRules(ctx)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rules found.")
				return nil
			}
			writeRuleTable(cmd, rules)
			return nil
		})
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write stored rules as YAML to a file or stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, registry *trigger.Registry) error {
			rules, err := registry.ListRules(ctx)
			if err != nil {
				return err
			}
			data, err := trigger.ExportRules(rules)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rules to %s\n", len(rules), args[0])
			return nil
		})
	},
}

func init() {
	rulesCmd.AddCommand(rulesImportCmd, rulesListCmd, rulesExportCmd)
	rootCmd.AddCommand(rulesCmd)
}

// withRegistry opens the configured database, loads the registry and
// runs fn against it.
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, registry *trigger.Registry) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI session

	registry, err := loadRegistry(ctx, db)
	if err != nil {
		return err
	}
	return fn(ctx, registry)
}

func loadRegistry(ctx context.Context, db *database.DB) (*trigger.Registry, error) {
	registry := trigger.NewRegistry(trigger.NewSQLiteRepository(db.DB))
	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	return registry, nil
}

func writeRuleTable(cmd *cobra.Command, rules []trigger.Rule) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tEXECUTE\tENABLED")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Kind(), r.Execute.Type, r.Enabled)
	}
	tw.Flush() //nolint:errcheck // stdout
}
