package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/bootstrap"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/discord"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/slack"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/cron"
	"github.com/nextlevelbuilder/chatrelay/internal/followup"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/scheduler"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/file"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatrelay/internal/telemetry"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	log := slog.Default()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.HasAnyProvider() {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			fmt.Println("No AI provider API key found. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Println("  export CHATRELAY_ANTHROPIC_API_KEY=sk-ant-...")
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  chatrelay onboard")
			os.Exit(1)
		}
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry first so every later component picks up the global tracer.
	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without", "error", err)
	} else {
		defer telemetryShutdown(context.Background())
	}

	// Seed ~/.chatrelay (default system prompt, commented config template).
	homeDir := config.ExpandHome("~/.chatrelay")
	if seeded, seedErr := bootstrap.EnsureHomeFiles(homeDir); seedErr != nil {
		slog.Warn("home directory seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded home files", "files", seeded)
	}

	msgBus := bus.New()

	// Session store: file tree or single sqlite database.
	var sessStore store.SessionStore
	storagePath := config.ExpandHome(cfg.Sessions.Storage)
	if cfg.Sessions.Backend == "sqlite" {
		sessStore, err = sqlite.Open(storagePath)
		if err != nil {
			slog.Error("failed to open session database", "path", storagePath, "error", err)
			os.Exit(1)
		}
	} else {
		sessStore = file.NewSessionStore(sessions.NewManager(storagePath))
	}
	defer sessStore.Close()

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg)

	sched := scheduler.New(cfg.Gateway.MaxConcurrentRuns, log)

	// Followup queues: lifecycle events go out to WS clients as queue.*.
	queues := followup.NewQueues(log)
	queues.SetEventHook(func(ev followup.Event) {
		msgBus.Broadcast(bus.Event{Name: protocol.EventQueue, Payload: ev})
	})

	runners := buildRunners(cfg, providerRegistry, sessStore, msgBus, homeDir, log)
	if len(runners) == 0 {
		slog.Error("no agents could be created (check provider config)")
		os.Exit(1)
	}

	pipe := &pipeline{
		cfg:     cfg,
		bus:     msgBus,
		sched:   sched,
		queues:  queues,
		runners: runners,
		store:   sessStore,
		limits:  gateway.NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
		log:     log.With("component", "pipeline"),
	}

	channelMgr := channels.NewManager(msgBus)
	registerChannels(channelMgr, cfg, msgBus)

	server := gateway.NewServer(cfg, msgBus, sessStore, queues, sched, channelMgr, msgBus.PublishInbound)

	// Live config reload: queue settings, cron jobs and agent tuning pick
	// up new values on the next message; channels need a restart.
	cronSvc := cron.New(cronJobs(cfg), pipe.runCronJob, log)
	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, func() {
			cronSvc.SetJobs(cronJobs(cfg))
			slog.Info("config reloaded")
		}); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	go cronSvc.Start(ctx)
	go pipe.consume(ctx)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		channelMgr.StopAll(context.Background())
		sessStore.SaveAll()
		cancel()
	}()

	slog.Info("chatrelay gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agents", len(runners),
		"channels", channelMgr.GetEnabledChannels(),
		"sessions_backend", cfg.Sessions.Backend,
	)

	// Tailscale listener: build the mux first so the same routes serve on
	// both listeners. Compiled via build tags: `go build -tags tsnet`.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// registerProviders creates LLM providers from config. Env var keys were
// already overlaid by config.Load.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		var opts []providers.AnthropicOption
		if cfg.Providers.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase))
		}
		reg.Register(providers.NewAnthropicProvider(key, opts...))
		slog.Info("provider registered", "name", "anthropic")
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		reg.Register(providers.NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, ""))
		slog.Info("provider registered", "name", "openai")
	}
	if p := cfg.Agents.Defaults.Provider; p != "" {
		reg.SetDefault(p)
	}
}

// buildRunners creates one agent runner per configured agent. Agent
// events are broadcast to WS clients.
func buildRunners(cfg *config.Config, reg *providers.Registry, sessStore store.SessionStore, msgBus *bus.MessageBus, homeDir string, log *slog.Logger) map[string]*agent.Runner {
	onEvent := func(ev agent.AgentEvent) {
		msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
	}

	newRunner := func(id string) *agent.Runner {
		ac := cfg.ResolveAgent(id)
		provider, err := reg.Get(ac.Provider)
		if err != nil {
			slog.Error("agent provider unavailable", "agent", id, "provider", ac.Provider, "error", err)
			return nil
		}
		systemPrompt := ac.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = bootstrap.LoadSystemPrompt(homeDir)
		}
		return agent.NewRunner(agent.RunnerConfig{
			ID:           id,
			Provider:     provider,
			Model:        ac.Model,
			MaxTokens:    ac.MaxTokens,
			Temperature:  ac.Temperature,
			SystemPrompt: systemPrompt,
			HistoryLimit: ac.HistoryLimit,
			Sessions:     sessStore,
			Logger:       log,
			OnEvent:      onEvent,
		})
	}

	runners := make(map[string]*agent.Runner)
	if r := newRunner(config.DefaultAgentID); r != nil {
		runners[config.DefaultAgentID] = r
	}
	for id := range cfg.Agents.List {
		if id == config.DefaultAgentID {
			continue
		}
		if r := newRunner(id); r != nil {
			runners[id] = r
		}
	}
	return runners
}

// registerChannels wires every enabled channel adapter from config.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel("telegram", tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.RegisterChannel("discord", dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.Slack.Enabled {
		sl, err := slack.New(cfg.Channels.Slack, msgBus)
		if err != nil {
			slog.Error("failed to initialize slack channel", "error", err)
		} else {
			mgr.RegisterChannel("slack", sl)
			slog.Info("slack channel enabled")
		}
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", wa)
			slog.Info("whatsapp channel enabled")
		}
	}
}

func cronJobs(cfg *config.Config) []cron.Job {
	jobs := make([]cron.Job, 0, len(cfg.Cron.Jobs))
	for _, j := range cfg.Cron.Jobs {
		jobs = append(jobs, cron.Job{
			Name:     j.Name,
			Schedule: j.Schedule,
			Prompt:   j.Prompt,
			AgentID:  j.AgentID,
			Channel:  j.Channel,
			To:       j.To,
		})
	}
	return jobs
}
