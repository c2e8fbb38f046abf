package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"dlmdiag/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: identity → shell → ledger → save config",
		Long:  "Asks for the admin principal, tenant domain, PowerShell binary and ledger location, then writes the config used by --config or the default path.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Identity
	fmt.Println("\n--- Step 1: Identity ---")
	fmt.Fprint(os.Stdout, "Admin user principal name (e.g. admin@contoso.onmicrosoft.com)")
	upn, err := prompt(cfg.Session.Principal)
	if err != nil {
		return err
	}
	cfg.Session.Principal = upn
	if cfg.Session.Organization == "" {
		if _, domain, ok := strings.Cut(upn, "@"); ok {
			cfg.Session.Organization = domain
		}
	}
	fmt.Fprint(os.Stdout, "Tenant domain")
	org, err := prompt(cfg.Session.Organization)
	if err != nil {
		return err
	}
	cfg.Session.Organization = org

	// Step 2: Shell
	fmt.Println("\n--- Step 2: PowerShell ---")
	fmt.Fprint(os.Stdout, "PowerShell 7 binary")
	shell, err := prompt(cfg.Session.Shell)
	if err != nil {
		return err
	}
	cfg.Session.Shell = shell

	// Step 3: Ledger
	fmt.Println("\n--- Step 3: Execution ledger ---")
	fmt.Fprint(os.Stdout, "Persist the execution log to SQLite (y/n)")
	persist := "y"
	if !cfg.Ledger.Persist {
		persist = "n"
	}
	answer, err := prompt(persist)
	if err != nil {
		return err
	}
	cfg.Ledger.Persist = strings.HasPrefix(strings.ToLower(answer), "y")
	if cfg.Ledger.Persist {
		fmt.Fprint(os.Stdout, "Database path")
		dbPath, err := prompt(cfg.Ledger.DBPath)
		if err != nil {
			return err
		}
		cfg.Ledger.DBPath = config.ExpandPath(dbPath)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'dlmdiag doctor', then register 'dlmdiag serve' as a stdio MCP server in your client.")
	return nil
}
