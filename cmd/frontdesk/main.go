// frontdesk is a multi-channel front desk agent for a local business:
// web chat, SMS, and voice, all backed by one tool catalog and one
// conversation model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/halcyonsites/frontdesk/internal/agent"
	"github.com/halcyonsites/frontdesk/internal/channels"
	"github.com/halcyonsites/frontdesk/internal/config"
	"github.com/halcyonsites/frontdesk/internal/convo"
	"github.com/halcyonsites/frontdesk/internal/dispatch"
	"github.com/halcyonsites/frontdesk/internal/llm"
	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/store"
	"github.com/halcyonsites/frontdesk/internal/tools"
	"github.com/halcyonsites/frontdesk/internal/toolserver"
	"github.com/halcyonsites/frontdesk/internal/voicebridge"
)

const version = "0.1.0"

// systemPrompt is the standing instruction set for every conversation.
const systemPrompt = `You are the front desk assistant for a local business. You help customers check availability, book appointments, and answer questions about hours and services. Be warm, brief, and concrete. Use the provided tools for anything involving bookings or the calendar; never invent availability. If you cannot help, apologize and offer the business phone number.`

type cli struct {
	Config   string `help:"Config file path." type:"path" short:"c"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:""`

	Serve      serveCmd      `cmd:"" default:"1" help:"Run the frontdesk service."`
	InitConfig initConfigCmd `cmd:"" name:"init-config" help:"Write a default config file."`
	Version    versionCmd    `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Printf("frontdesk %s\n", version)
	return nil
}

type initConfigCmd struct{}

func (i *initConfigCmd) Run(root *cli) error {
	path := root.Config
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

type serveCmd struct{}

func (s *serveCmd) Run(root *cli) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	if root.LogLevel != "" {
		cfg.Logging.Level = root.LogLevel
	}
	initLogging(cfg.Logging.Level)

	L_info("frontdesk %s starting", version)

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	toolClient := toolserver.NewClient(toolserver.ClientConfig{
		BaseURL: cfg.ToolServer.BaseURL,
		APIKey:  cfg.ToolServer.APIKey,
		Timeout: time.Duration(cfg.ToolServer.TimeoutSeconds) * time.Second,
	})

	registry := tools.NewRegistry()
	tools.RegisterDefaults(registry, toolClient)
	L_info("tool catalog ready", "tools", registry.Count())

	llmClient := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	conversations := convo.NewStore(convo.StoreConfig{
		TTL:          time.Duration(cfg.Conversation.TTLMinutes) * time.Minute,
		SystemPrompt: systemPrompt,
	})
	// Expired conversations also drop their tool-server session.
	conversations.SetOnEvict(toolClient.ClearSession)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	conversations.Start(ctx)
	defer conversations.Stop()

	orchestrator := agent.New(conversations, llmClient, registry, db, agent.OrchestratorConfig{
		HistoryTurns: cfg.Conversation.HistoryTurns,
	})

	server := channels.NewServer(&channels.ServerConfig{
		Listen:       cfg.HTTP.Listen,
		SMSMaxLength: cfg.SMS.MaxLength,
		VoiceHandoff: cfg.Voice.HandoffNumber,
	}, orchestrator)

	if cfg.Voice.UpstreamURL != "" {
		media := voicebridge.NewHandler(voicebridge.HandlerConfig{
			UpstreamURL:  cfg.Voice.UpstreamURL,
			APIKey:       cfg.Voice.APIKey,
			Voice:        cfg.Voice.Voice,
			Instructions: systemPrompt,
			Greeting:     cfg.Voice.Greeting,
		}, registry)
		server.Mount("/media-stream", media)
		L_info("realtime voice bridge enabled", "upstream", cfg.Voice.UpstreamURL)
	}

	sender := channels.NewOutboundSMS(channels.OutboundSMSConfig{
		FromNumber: cfg.SMS.FromNumber,
		AccountSID: cfg.SMS.AccountSID,
		AuthToken:  cfg.SMS.AuthToken,
		APIURL:     cfg.SMS.APIURL,
		MaxLength:  cfg.SMS.MaxLength,
	})
	dispatcher := dispatch.New(db, sender)
	if err := dispatcher.Start(dispatch.DispatcherConfig{
		SweepInterval: time.Duration(cfg.Dispatch.SweepSeconds) * time.Second,
	}); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	L_info("frontdesk ready", "listen", cfg.HTTP.Listen)

	<-ctx.Done()
	SetShuttingDown()
	return server.Stop()
}

func initLogging(level string) {
	lvl := LevelInfo
	switch level {
	case "trace":
		lvl = LevelTrace
	case "debug":
		lvl = LevelDebug
	case "warn":
		lvl = LevelWarn
	case "error":
		lvl = LevelError
	}
	Init(&Config{Level: lvl, TimeFormat: "15:04:05", ShowCaller: lvl >= LevelDebug})
}

func main() {
	var root cli
	ctx := kong.Parse(&root,
		kong.Name("frontdesk"),
		kong.Description("Multi-channel front desk agent: web chat, SMS, and voice."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&root); err != nil {
		fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		os.Exit(1)
	}
}
