package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/reinholt/loom/internal/config"
	"github.com/reinholt/loom/internal/logger"
	"github.com/reinholt/loom/pkg/agent"
	"github.com/reinholt/loom/pkg/contextmgr"
	"github.com/reinholt/loom/pkg/gateway"
	"github.com/reinholt/loom/pkg/session"
	"github.com/reinholt/loom/pkg/toolpool"
	"github.com/reinholt/loom/pkg/verify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the loom daemon",
	Long: `Start the loom daemon. It serves the websocket gateway, runs agent
turns against the configured model provider, and retires idle sessions to
the archive.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	registry := toolpool.NewRegistry()
	if err := toolpool.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	pool, err := toolpool.New(toolpool.Config{
		MaxConcurrency:            cfg.Pool.MaxConcurrency,
		MaxHeavyweightConcurrency: cfg.Pool.MaxHeavyweightConcurrency,
		Registry:                  registry,
		Logger:                    zl.With().Str("component", "toolpool").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create tool pool: %w", err)
	}

	ctxMgr, err := contextmgr.New(contextmgr.Config{
		MaxTokens:         cfg.Context.MaxTokens,
		ReservedForOutput: cfg.Context.ReservedForOutput,
		Strategy:          cfg.Context.Strategy,
		RecentTurns:       cfg.Context.RecentTurns,
		Logger:            zl.With().Str("component", "contextmgr").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create context manager: %w", err)
	}

	provider, err := (&agent.Factory{}).NewProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.Model)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	verifiers, watcher, err := buildVerifiers(cfg, provider, zl)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	loop, err := agent.New(agent.Config{
		Provider:               provider,
		ContextManager:         ctxMgr,
		Pool:                   pool,
		Registry:               registry,
		Verifiers:              verifiers,
		Logger:                 zl.With().Str("component", "agent").Logger(),
		Model:                  cfg.Provider.Model,
		SystemPrompt:           cfg.Agent.SystemPrompt,
		Temperature:            cfg.Agent.Temperature,
		MaxTokens:              cfg.Agent.MaxTokens,
		MaxIterations:          cfg.Agent.MaxIterations,
		MaxVerificationRetries: cfg.Verify.MaxRetries,
		MaxProviderRetries:     cfg.Agent.MaxProviderRetries,
		ToolTimeout:            cfg.Pool.ToolTimeout,
		TurnTimeout:            cfg.Agent.TurnTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	archiver, err := session.NewSQLiteArchiver(cfg.Session.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open session archive: %w", err)
	}
	defer archiver.Close()

	manager, err := session.NewManager(session.ManagerConfig{
		SteeringCapacity: cfg.Session.SteeringCapacity,
		IdleTTL:          cfg.Session.IdleTTL,
		JanitorSchedule:  cfg.Session.JanitorSchedule,
		Archiver:         archiver,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer manager.Close()

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Manager:      manager,
		Loop:         loop,
		Logger:       zl.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	zl.Info().
		Str("provider", cfg.Provider.Name).
		Int("port", cfg.Gateway.Port).
		Msg("Loom daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := server.Stop(); err != nil {
		zl.Error().Err(err).Msg("Gateway shutdown failed")
	}
	return nil
}

// buildVerifiers assembles the verification chain from configuration:
// format rules first, then the LLM judge.
func buildVerifiers(cfg *config.Config, provider agent.Provider, zl zerolog.Logger) ([]verify.Verifier, *verify.Watcher, error) {
	var verifiers []verify.Verifier
	var watcher *verify.Watcher

	if cfg.Verify.RulesPath != "" {
		rules, err := verify.LoadRules(cfg.Verify.RulesPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load format rules: %w", err)
		}
		format, err := verify.NewFormatVerifier(rules, zl.With().Str("component", "verify").Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compile format rules: %w", err)
		}
		verifiers = append(verifiers, format)

		if cfg.Verify.WatchRules {
			watcher, err = verify.NewWatcher(cfg.Verify.RulesPath, format, zl.With().Str("component", "verify").Logger())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to watch format rules: %w", err)
			}
		}
	}

	if cfg.Verify.LLMEnabled {
		judge := &agent.ProviderJudge{Provider: provider, Model: cfg.Provider.Model}
		llm, err := verify.NewLLMVerifier(judge, cfg.Verify.Rubric, zl.With().Str("component", "verify").Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create llm verifier: %w", err)
		}
		verifiers = append(verifiers, llm)
	}

	return verifiers, watcher, nil
}
