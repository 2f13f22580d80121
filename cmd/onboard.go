package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long: "Walks through provider, gateway and channel setup and writes the config file.\n" +
			"Runs non-interactively when a CHATRELAY_*_API_KEY env var is present (e.g. Docker).",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// providerInfo describes one selectable LLM provider.
type providerInfo struct {
	envKey    string
	modelHint string
}

// providerPriority is the auto-detection order. First env key wins.
var providerPriority = []string{"anthropic", "openai"}

var providerMap = map[string]providerInfo{
	"anthropic": {envKey: "CHATRELAY_ANTHROPIC_API_KEY", modelHint: "claude-sonnet-4-5-20250929"},
	"openai":    {envKey: "CHATRELAY_OPENAI_API_KEY", modelHint: "gpt-4o"},
}

func runOnboard() {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		prompt := huh.NewConfirm().
			Title(fmt.Sprintf("Config %s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := prompt.Run(); err != nil || !overwrite {
			fmt.Println("Onboarding cancelled.")
			return
		}
	}

	if canAutoOnboard() {
		if runAutoOnboard(cfgPath) {
			return
		}
		fmt.Println("Auto-onboard failed, falling back to interactive setup.")
		fmt.Println()
	}

	runInteractiveOnboard(cfgPath)
}

// canAutoOnboard reports whether a provider API key is already in the
// environment, indicating non-interactive setup is wanted.
func canAutoOnboard() bool {
	for _, name := range providerPriority {
		if os.Getenv(providerMap[name].envKey) != "" {
			return true
		}
	}
	return false
}

// runAutoOnboard performs non-interactive setup from environment
// variables. Returns true on success.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	provider := ""
	for _, name := range providerPriority {
		if os.Getenv(providerMap[name].envKey) != "" {
			provider = name
			break
		}
	}
	if provider == "" {
		fmt.Println("Auto-onboard: no provider API key found in environment")
		return false
	}
	cfg.Agents.Defaults.Provider = provider
	if cfg.Agents.Defaults.Model == config.Default().Agents.Defaults.Model {
		cfg.Agents.Defaults.Model = providerMap[provider].modelHint
	}
	fmt.Printf("  Provider: %s (model: %s)\n", provider, cfg.Agents.Defaults.Model)

	generatedToken := ""
	if cfg.Gateway.Token == "" {
		generatedToken = onboardGenerateToken(16)
		fmt.Println("  Gateway:  generated access token")
	}

	// Secrets live in the environment, not on disk.
	cfg.StripSecrets()
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
		return false
	}
	fmt.Printf("  Config saved to %s\n", cfgPath)

	if generatedToken != "" {
		fmt.Println()
		fmt.Println("  Add to your environment:")
		fmt.Printf("    export CHATRELAY_GATEWAY_TOKEN=%s\n", generatedToken)
	}
	fmt.Println()
	fmt.Println("Auto-onboard complete. Start the gateway with: chatrelay")
	return true
}

func runInteractiveOnboard(cfgPath string) {
	cfg := config.Default()

	var (
		provider    string
		apiKey      string
		model       string
		useToken    bool
		channels    []string
		saveSecrets bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic (Claude)", "anthropic"),
					huh.NewOption("OpenAI (GPT)", "openai"),
				).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("an API key is required")
					}
					return nil
				}).
				Value(&apiKey),
			huh.NewInput().
				Title("Model (empty for the provider default)").
				Value(&model),
			huh.NewConfirm().
				Title("Protect the gateway with an access token?").
				Value(&useToken),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable (credentials via env or config later)").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Slack", "slack"),
					huh.NewOption("WhatsApp", "whatsapp"),
				).
				Value(&channels),
			huh.NewConfirm().
				Title("Store the API key in the config file? (No = export it as an env var)").
				Value(&saveSecrets),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("Onboarding cancelled.")
		return
	}

	cfg.Agents.Defaults.Provider = provider
	if model != "" {
		cfg.Agents.Defaults.Model = model
	} else {
		cfg.Agents.Defaults.Model = providerMap[provider].modelHint
	}

	generatedToken := ""
	if useToken {
		generatedToken = onboardGenerateToken(16)
	}

	for _, ch := range channels {
		switch ch {
		case "telegram":
			cfg.Channels.Telegram.Enabled = true
		case "discord":
			cfg.Channels.Discord.Enabled = true
		case "slack":
			cfg.Channels.Slack.Enabled = true
		case "whatsapp":
			cfg.Channels.WhatsApp.Enabled = true
		}
	}

	if saveSecrets {
		switch provider {
		case "anthropic":
			cfg.Providers.Anthropic.APIKey = apiKey
		case "openai":
			cfg.Providers.OpenAI.APIKey = apiKey
		}
		cfg.Gateway.Token = generatedToken
	} else {
		cfg.StripSecrets()
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Could not save config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	if !saveSecrets {
		fmt.Println()
		fmt.Println("Add to your environment:")
		fmt.Printf("  export %s=%s\n", providerMap[provider].envKey, apiKey)
		if generatedToken != "" {
			fmt.Printf("  export CHATRELAY_GATEWAY_TOKEN=%s\n", generatedToken)
		}
	} else if generatedToken != "" {
		fmt.Println()
		fmt.Printf("Gateway access token: %s\n", generatedToken)
	}

	for _, ch := range channels {
		fmt.Println()
		switch ch {
		case "telegram":
			fmt.Println("Telegram: export CHATRELAY_TELEGRAM_TOKEN=<bot token from @BotFather>")
		case "discord":
			fmt.Println("Discord:  export CHATRELAY_DISCORD_TOKEN=<bot token>")
		case "slack":
			fmt.Println("Slack:    export CHATRELAY_SLACK_BOT_TOKEN=xoxb-... CHATRELAY_SLACK_APP_TOKEN=xapp-...")
		case "whatsapp":
			fmt.Println("WhatsApp: export CHATRELAY_WHATSAPP_BRIDGE_URL=<bridge websocket url>")
		}
	}

	fmt.Println()
	fmt.Println("Setup complete. Start the gateway with: chatrelay")
}

// onboardGenerateToken returns n random bytes hex-encoded.
func onboardGenerateToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
