package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pulse/internal/agent"
	"pulse/internal/channels"
	"pulse/internal/config"
	"pulse/internal/embedding"
	"pulse/internal/llm"
	"pulse/internal/logging"
	"pulse/internal/memory"
	"pulse/internal/metrics"
	"pulse/internal/skills"
	"pulse/internal/stream"
	"pulse/internal/workspace"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the agent process",
		Long:  "Starts the agent loop, the workspace server, and any enabled channels.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

// streamClient builds one connection to the streaming database. Live tail
// queries and batch statements never share a connection, so callers ask
// for as many as they need.
func streamClient(cfg config.StreamConfig) stream.Client {
	return stream.NewHTTPClient(stream.Config{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
}

func runAgent(parent context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("Main")
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Printf("%s agent=%s provider=%s model=%s\n",
		green("Starting pulse"), cfg.Agent.Name, cfg.LLM.Provider, cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	if embedder == nil {
		logger.Warn("no embedding provider configured, memory features disabled")
	}

	var store memory.Store
	if cfg.Memory.Enabled {
		store, err = memory.New(cfg.Memory, streamClient(cfg.Stream), embedder)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
	}

	loader := skills.NewLoader()
	if cfg.Skills.Shell.Enabled {
		var opts []skills.ShellOption
		if len(cfg.Skills.Shell.AllowedCommands) > 0 {
			opts = append(opts, skills.WithAllowedCommands(cfg.Skills.Shell.AllowedCommands...))
		}
		if cfg.Skills.Shell.WorkDir != "" {
			opts = append(opts, skills.WithWorkDir(cfg.Skills.Shell.WorkDir))
		}
		if cfg.Skills.Shell.Timeout > 0 {
			opts = append(opts, skills.WithShellTimeout(cfg.Skills.Shell.Timeout))
		}
		loader.Register(skills.NewShellSkill(opts...))
	}
	if cfg.Skills.FileOps.Enabled {
		fileOps, err := skills.NewFileOpsSkill(cfg.Skills.FileOps.BasePath, cfg.Skills.FileOps.AllowedExtensions...)
		if err != nil {
			return fmt.Errorf("fileops skill: %w", err)
		}
		loader.Register(fileOps)
	}
	if cfg.Skills.WebSearch.Enabled {
		webSearch, err := skills.NewWebSearchSkill(
			cfg.Skills.WebSearch.Provider, cfg.Skills.WebSearch.APIKey, cfg.Skills.WebSearch.SearxngURL)
		if err != nil {
			return fmt.Errorf("websearch skill: %w", err)
		}
		loader.Register(webSearch)
	}
	if store != nil {
		loader.Register(skills.NewMemorySkill(store, ""))
	}
	if cfg.Skills.Packs.Enabled {
		if packs := skills.DiscoverPacks(cfg.Skills.Packs.Dirs); len(packs) > 0 {
			loader.Register(skills.NewPackSkill(packs))
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	var manager *workspace.Manager
	if cfg.Workspace.Enabled {
		manager, err = workspace.NewManager(cfg.Workspace)
		if err != nil {
			return fmt.Errorf("workspace manager: %w", err)
		}
		registryClient := workspace.NewRegistryClient(cfg.Workspace)
		loader.Register(skills.NewWorkspaceSkill(manager, registryClient))

		workspaceServer := workspace.NewServer(manager, cfg.Workspace, cfg.Stream)
		g.Go(func() error {
			logger.Info("workspace server listening on port %d", cfg.Workspace.Port)
			return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Workspace.Port), workspaceServer.Engine())
		})
	}

	a := agent.New(agent.Options{
		Config:      cfg.Agent,
		TailClient:  streamClient(cfg.Stream),
		BatchClient: streamClient(cfg.Stream),
		LLM:         llmClient,
		Skills:      loader,
		Memory:      store,
		Metrics:     metrics.New(),
	})

	g.Go(func() error { return a.Run(ctx) })

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken != "" {
		telegram := channels.NewTelegram(
			cfg.Channels.Telegram.BotToken,
			streamClient(cfg.Stream),
			streamClient(cfg.Stream),
		)
		g.Go(func() error { return telegram.Run(ctx) })
		logger.Info("telegram channel started")
	}

	fmt.Println(green("Agent running. Press Ctrl+C to stop."))

	err = g.Wait()
	if manager != nil {
		manager.ShutdownAll()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
