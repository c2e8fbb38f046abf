package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dlmdiag/internal/config"
	"dlmdiag/internal/ledger"
	"dlmdiag/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [command...]",
		Short: "Check a PowerShell command against the allowlist without running it",
		Long:  "Reads the command from the arguments, or from stdin when none are given. Exits non-zero when the command would be blocked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if command == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				command = string(data)
			}
			tok := security.CmdletTokenizer{}
			for _, name := range tok.Tokens(command) {
				class, _ := security.Classify(name)
				fmt.Printf("  %-9s %s\n", class, name)
			}
			res := security.ValidateWith(tok, command)
			if !res.Valid {
				fmt.Printf("BLOCKED: %s\n", res.Violation)
				return fmt.Errorf("command rejected")
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func allowlistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowlist",
		Short: "Print the cmdlet allowlist and blocked verb prefixes",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Allowed cmdlets:")
			for _, name := range security.AllowedCmdlets.Sorted() {
				fmt.Println("  " + name)
			}
			fmt.Println("\nPipeline builtins:")
			for _, name := range security.SafeBuiltins.Sorted() {
				fmt.Println("  " + name)
			}
			fmt.Println("\nBlocked prefixes:")
			for _, p := range security.BlockedPrefixes {
				fmt.Println("  " + p + "*")
			}
		},
	}
}

func logCmd() *cobra.Command {
	var (
		runID     string
		listRuns  bool
		auditRows int
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the persisted execution log",
		Long:  "Prints the execution log of the latest server run as markdown, or of --run ID. --runs lists recorded runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return err
			}
			if !cfg.Ledger.Persist {
				return fmt.Errorf("ledger persistence is disabled (ledger.persist=false)")
			}
			if _, err := os.Stat(cfg.Ledger.DBPath); err != nil {
				return fmt.Errorf("no ledger database at %s", cfg.Ledger.DBPath)
			}
			store, err := ledger.NewSQLiteStore(cfg.Ledger.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			switch {
			case listRuns:
				return printRuns(ctx, store)
			case auditRows > 0:
				return printAudit(ctx, store, auditRows)
			}

			if runID == "" {
				if runID, err = store.LatestRun(ctx); err != nil {
					return err
				}
				if runID == "" {
					fmt.Println(ledger.RenderMarkdown(nil))
					return nil
				}
			}
			entries, err := store.Entries(ctx, runID)
			if err != nil {
				return err
			}
			fmt.Println(ledger.RenderMarkdown(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID to show (default: latest)")
	cmd.Flags().BoolVar(&listRuns, "runs", false, "list recorded runs")
	cmd.Flags().IntVar(&auditRows, "audit", 0, "show the last N policy decisions instead")
	return cmd
}

func printRuns(ctx context.Context, store *ledger.SQLiteStore) error {
	runs, err := store.Runs(ctx, 20)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-14s  %s  %s commands, %d failed  %s\n",
			r.ID, humanize.Time(r.StartedAt), r.Organization,
			humanize.Comma(int64(r.Commands)), r.Failures, r.Host)
	}
	return nil
}

func printAudit(ctx context.Context, store *ledger.SQLiteStore, limit int) error {
	entries, err := store.AuditEntries(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-8s %s  %s\n", e.Result, e.Command, e.Details)
	}
	return nil
}
