// rolechat serves a multi-persona group-chat backend: role cards, provider
// accounts, turn orchestration with SSE streaming, reply suggestions and
// file-backed knowledge bases.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/rolechat/internal/api"
	"github.com/rolechat/internal/chat"
	"github.com/rolechat/internal/config"
	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/kb"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/logging"
	"github.com/rolechat/internal/orchestrator"
	"github.com/rolechat/internal/providers"
	"github.com/rolechat/internal/roles"
	"github.com/rolechat/internal/suggestions"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "rolechat",
		Usage:   "Multi-persona group chat server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			initConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the rolechat API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			// .env is optional; real env vars win either way.
			_ = godotenv.Load()

			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if c.Int("port") > 0 {
				cfg.Server.Port = c.Int("port")
			}

			logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}

			server := api.NewServer(cfg.Server.Host, cfg.Server.Port, deps)
			return server.Start()
		},
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a sample configuration file",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if path == "" {
				path = "rolechat.toml"
			}
			if err := config.InitConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func buildDeps(cfg *config.Config) (api.Deps, error) {
	ctx := context.Background()

	store, err := group.NewStore(cfg.DataDir)
	if err != nil {
		return api.Deps{}, err
	}
	chatStore, err := chat.NewStore(cfg.DataDir)
	if err != nil {
		return api.Deps{}, err
	}
	catalog, err := roles.Load(cfg.RolesDir)
	if err != nil {
		return api.Deps{}, err
	}
	registry := providers.Load(cfg.DataDir, providers.EnvDefault{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})

	judgeAccount, ok := registry.Get("")
	if !ok {
		return api.Deps{}, fmt.Errorf("no provider account available")
	}
	judge, err := llm.NewClient(ctx, judgeAccount)
	if err != nil {
		return api.Deps{}, fmt.Errorf("failed to build judge client: %w", err)
	}

	opts := orchestrator.DefaultOptions()
	opts.JudgeMaxTokens = cfg.Judge.MaxTokens
	opts.JudgeTemperature = cfg.Judge.Temperature
	opts.ChunkSize = cfg.Stream.ChunkSize

	orch := orchestrator.New(store, catalog, registry, judge,
		func(ctx context.Context, account providers.Account) (llm.Completer, error) {
			return llm.NewClient(ctx, account)
		},
		logging.NewJudgeLogger(cfg.DataDir), opts)

	gen, err := suggestions.NewGenerator(cfg.DataDir, store, judge, cfg.LLM.Model)
	if err != nil {
		return api.Deps{}, err
	}
	manager, err := kb.NewManager(cfg.DataDir)
	if err != nil {
		return api.Deps{}, err
	}

	log.Info().
		Int("roles", len(catalog.List())).
		Int("providers", len(registry.List())).
		Str("data_dir", cfg.DataDir).
		Msg("rolechat initialized")

	return api.Deps{
		Store:       store,
		Chat:        chatStore,
		Roles:       catalog,
		Providers:   registry,
		Orch:        orch,
		LLM:         judge,
		Suggestions: gen,
		KB:          manager,
	}, nil
}
