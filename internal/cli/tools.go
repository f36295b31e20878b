package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/warband/internal/daemon"
	"github.com/harun/warband/pkg/classifier"
	"github.com/harun/warband/pkg/cron"
	"github.com/harun/warband/pkg/store"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Show which model tier a message would be routed to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, classifier.Classify(strings.Join(args, " ")))
	},
}

var cronTZ string

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions",
}

var cronDescribeCmd = &cobra.Command{
	Use:   "describe <expr>",
	Short: "Describe a cron expression in plain English",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cron.Parse(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cron.Describe(args[0]))
		return nil
	},
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expr>",
	Short: "Print the next firing time of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cron.Parse(args[0]); err != nil {
			return err
		}
		next, ok := cron.NextRunAfter(args[0], cronTZ, time.Now())
		if !ok {
			return fmt.Errorf("expression %q never fires", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), next.Format(time.RFC3339))
		return nil
	},
}

var cronParseCmd = &cobra.Command{
	Use:   "parse <phrase>",
	Short: "Convert a phrase like \"every day at 9am\" into a cron expression",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr, err := cron.FromPhrase(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), expr)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	Long:  `Create any missing tables and indexes. Running it again is harmless.`,
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "warband version %s\n", daemon.Version)
	},
}

func init() {
	cronNextCmd.Flags().StringVar(&cronTZ, "tz", "UTC", "IANA time zone to evaluate the expression in")
	cronCmd.AddCommand(cronDescribeCmd, cronNextCmd, cronParseCmd)
	rootCmd.AddCommand(classifyCmd, cronCmd, migrateCmd, versionCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", cfg.Store.Driver)
	return nil
}
