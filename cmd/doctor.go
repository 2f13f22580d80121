package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/upgrade"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chatrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")

	fmt.Println()
	fmt.Println("  Queue defaults:")
	qs := cfg.ResolveQueueSettings("")
	fmt.Printf("    %-12s %s\n", "Mode:", qs.Mode)
	fmt.Printf("    %-12s %dms\n", "Debounce:", qs.DebounceMs)
	fmt.Printf("    %-12s %d\n", "Cap:", qs.Cap)

	fmt.Println()
	fmt.Println("  Sessions:")
	backend := cfg.Sessions.Backend
	if backend == "" {
		backend = "file"
	}
	fmt.Printf("    %-12s %s\n", "Backend:", backend)
	storagePath := config.ExpandHome(cfg.Sessions.Storage)
	fmt.Printf("    %-12s %s\n", "Storage:", storagePath)
	if backend == "sqlite" {
		checkSchema(storagePath)
	}

	fmt.Println()
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
	fmt.Printf("  Gateway:  %s", addr)
	if isGatewayRunning(addr) {
		fmt.Println(" (RUNNING)")
	} else {
		fmt.Println(" (not running)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		masked := apiKey
		if len(apiKey) > 8 {
			masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		}
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkSchema(path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s (database not created yet)\n", "Schema:")
		return
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Schema:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	switch {
	case errors.Is(err, upgrade.ErrSchemaAhead):
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.NeedsMigration:
		fmt.Printf("    %-12s v%d (upgrade needed - run: chatrelay upgrade)\n", "Schema:", s.CurrentVersion)
	default:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	}
}
