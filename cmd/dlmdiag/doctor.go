package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"dlmdiag/internal/config"
	"dlmdiag/internal/pwsh"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

const doctorProbeTimeout = 30 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the dlmdiag installation",
		Long: `Verifies the configuration, session identity, PowerShell binary, required
modules, and ledger database. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("dlmdiag doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Identity
			if cfg.Session.Principal == "" {
				printFail("Principal", fmt.Sprintf("not set (session.principal or %s)", config.EnvPrincipal))
				failed++
			} else {
				printPass("Principal", config.Sanitize(cfg).Session.Principal)
				passed++
			}
			if cfg.Session.Organization == "" {
				printFail("Organization", fmt.Sprintf("not set (session.organization or %s)", config.EnvOrganization))
				failed++
			} else {
				printPass("Organization", cfg.Session.Organization)
				passed++
			}

			// 4. Shell binary and modules
			shellPath, err := exec.LookPath(cfg.Session.Shell)
			if err != nil {
				printFail("Shell", fmt.Sprintf("%s not found on PATH", cfg.Session.Shell))
				failed++
			} else {
				printPass("Shell", shellPath)
				passed++
				for _, mod := range cfg.Session.Modules {
					ver, err := moduleVersion(shellPath, mod)
					if err != nil {
						printFail("Module: "+mod, err.Error())
						failed++
					} else {
						printPass("Module: "+mod, ver)
						passed++
					}
				}
			}

			// 5. Ledger database
			if cfg.Ledger.Persist {
				if err := checkDatabase(cfg.Ledger.DBPath); err != nil {
					printFail("Ledger database", err.Error())
					failed++
				} else {
					printPass("Ledger database", cfg.Ledger.DBPath)
					passed++
				}
			} else {
				printWarn("Ledger database", "persistence disabled, the log lives only in memory")
				warned++
			}

			// 6. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before registering dlmdiag with an MCP client.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ndlmdiag should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! dlmdiag is ready to serve.\n")
			}
			return nil
		},
	}
}

// moduleVersion asks the shell for the newest installed version of mod.
func moduleVersion(shell, mod string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()

	script := fmt.Sprintf(
		"Get-Module -ListAvailable -Name %s | Sort-Object Version -Descending | Select-Object -First 1 -ExpandProperty Version | ForEach-Object { $_.ToString() }",
		pwsh.Quote(mod))
	out, err := exec.CommandContext(ctx, shell, "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return "", fmt.Errorf("probe failed: %w", err)
	}
	ver := strings.TrimSpace(string(out))
	if ver == "" {
		return "", fmt.Errorf("not installed (Install-Module %s -Scope CurrentUser)", mod)
	}
	return ver, nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
