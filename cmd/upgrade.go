package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/upgrade"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func upgradeCmd() *cobra.Command {
	var dryRun bool
	var status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the session database schema",
		Long:  "Applies pending schema migrations to the SQLite session database. Safe to run multiple times (idempotent).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status {
				return runUpgradeStatus()
			}
			return runUpgrade(dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")

	return cmd
}

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = fmt.Errorf("upgrade cannot proceed")

func openSessionDB() (*sql.DB, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Sessions.Backend != "sqlite" {
		return nil, nil
	}
	path := config.ExpandHome(cfg.Sessions.Storage)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("session database not found at %s (it is created on first gateway start)", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func runUpgradeStatus() error {
	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)

	db, err := openSessionDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("  Backend:         file (no schema migrations needed)")
		return nil
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if errors.Is(err, upgrade.ErrSchemaAhead) {
		fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
		fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
		fmt.Println("  Status:          BINARY TOO OLD")
		return nil
	}
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)

	if s.NeedsMigration {
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
		fmt.Println()
		fmt.Println("  Run 'chatrelay upgrade' to apply pending changes.")
	} else {
		fmt.Println("  Status:          UP TO DATE")
	}
	return nil
}

func runUpgrade(dryRun bool) error {
	db, err := openSessionDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("File session backend in use, no schema migrations needed.")
		return nil
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if errors.Is(err, upgrade.ErrSchemaAhead) {
		fmt.Printf("  Database schema v%d is newer than this binary (requires v%d).\n", s.CurrentVersion, s.RequiredVersion)
		fmt.Println("  Install a newer chatrelay release.")
		return ErrUpgradeFailed
	}
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
	fmt.Println()

	if !s.NeedsMigration {
		fmt.Println("  Schema is up to date.")
		return nil
	}

	if dryRun {
		fmt.Printf("  Would apply migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		return nil
	}

	fmt.Print("  Applying migrations... ")
	applied, err := upgrade.Apply(db)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Printf("OK (v%d -> v%d)\n", s.CurrentVersion, applied.CurrentVersion)

	fmt.Println()
	fmt.Println("  Upgrade complete.")
	return nil
}
