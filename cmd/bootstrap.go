package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/config"
	"github.com/samsaffron/toolloop/internal/engine"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/logging"
	"github.com/samsaffron/toolloop/internal/mcp"
	"github.com/samsaffron/toolloop/internal/prompt"
	"github.com/samsaffron/toolloop/internal/session"
	"github.com/samsaffron/toolloop/internal/tokens"
	"github.com/samsaffron/toolloop/internal/toolexec"
	"github.com/samsaffron/toolloop/internal/tools"
	"github.com/samsaffron/toolloop/internal/trim"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// applyProviderFlag handles "name" and "name:model" forms of --provider.
func applyProviderFlag(cfg *config.Config, flag string) {
	if flag == "" {
		return
	}
	name, model, _ := strings.Cut(flag, ":")
	cfg.ApplyOverrides(name, model)
}

// app holds the wired collaborators of one CLI invocation.
type app struct {
	cfg         *config.Config
	store       session.Store
	mcp         *mcp.Manager
	checkpoints *checkpoint.Manager
	controller  *engine.Controller
	log         zerolog.Logger
}

// newApp loads config and logging and opens the store. withTools also
// starts MCP servers and builds the tool loop.
func newApp(ctx context.Context, providerFlag string, withTools bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyProviderFlag(cfg, providerFlag)
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("cli")

	store, err := session.NewStore(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	est := tokens.Default(logging.Component("tokens"))
	trimmer := trim.New(store, est, logging.Component("trim"))

	a := &app{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoint.NewManager(store, trimmer, logging.Component("checkpoint")),
		log:         log,
	}
	if !withTools {
		return a, nil
	}

	settings, err := config.NewSettings(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tool policy: %w", err)
	}
	registry, err := tools.NewLocalRegistry(cfg.Tools)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	a.mcp = mcp.NewManager(cfg.MCP.Servers, logging.Component("mcp"))
	a.mcp.StartAll(ctx)

	a.controller = engine.New(engine.Deps{
		Store:       store,
		Settings:    settings,
		Providers:   cfg,
		Client:      llm.NewClient(logging.Component("llm")),
		Executor:    toolexec.New(registry, a.mcp, a.checkpoints, settings, logging.Component("toolexec")),
		Tools:       catalog{registry: registry, mcp: a.mcp},
		Checkpoints: a.checkpoints,
		Prompts:     prompt.New(cfg.Prompt.Instructions, cfg.Prompt.Context),
		Estimator:   est,
		Trim:        trimmer,
		Log:         logging.Component("engine"),
	})
	return a, nil
}

func (a *app) Close() {
	if a.mcp != nil {
		a.mcp.StopAll()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store")
	}
	logging.Close()
}

// catalog offers local tools followed by the tools of running MCP servers.
type catalog struct {
	registry *tools.Registry
	mcp      *mcp.Manager
}

func (c catalog) Specs() []llm.ToolSpec {
	specs := c.registry.Specs()
	if c.mcp != nil {
		specs = append(specs, c.mcp.AllTools()...)
	}
	return specs
}
