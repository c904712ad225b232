// Command yukibot is the main entry point for the Yuki chat agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/tsukishiro/yukibot/internal/app"
	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/observe"
	"github.com/tsukishiro/yukibot/internal/resilience"
	"github.com/tsukishiro/yukibot/pkg/provider/embeddings"
	oaembed "github.com/tsukishiro/yukibot/pkg/provider/embeddings/openai"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
	"github.com/tsukishiro/yukibot/pkg/provider/llm/anyllm"
	oallm "github.com/tsukishiro/yukibot/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configDir := flag.String("config", "config", "directory holding the TOML configuration files")
	flag.Parse()

	// ── Load configuration (with hot reload) ──────────────────────────────────
	watcher, err := config.NewWatcher(*configDir, func(_, _ *config.Config) {
		slog.Info("configuration reloaded", "dir", *configDir)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "yukibot: config directory %q not found — copy configs/example to get started\n", *configDir)
		} else {
			fmt.Fprintf(os.Stderr, "yukibot: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Bot.LogLevel)
	slog.SetDefault(logger)

	slog.Info("yukibot starting",
		"config", *configDir,
		"persona", cfg.Role.Persona.Name,
		"log_level", cfg.Bot.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "yukibot",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.Generator == nil {
		slog.Error("no generator model configured; [generator] in ai_model_config.toml is required")
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(watcher.Current, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the per-role model clients and the embedder
// named in cfg and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	roles := []struct {
		name string
		mc   *config.ModelConfig
		dst  *llm.Provider
	}{
		{"organizer", &cfg.Models.Organizer, &ps.Organizer},
		{"kb_organizer", cfg.Models.KBOrganizer, &ps.KBOrganizer},
		{"generator", &cfg.Models.Generator, &ps.Generator},
		{"guard", &cfg.Models.Guard, &ps.Guard},
		{"utility", cfg.Models.Utility, &ps.Utility},
		{"vision", &cfg.Models.Vision, &ps.Vision},
	}
	for _, role := range roles {
		if role.mc == nil || role.mc.ModelName == "" {
			continue
		}
		p, err := buildChatProvider(cfg, *role.mc)
		if err != nil {
			return nil, fmt.Errorf("create %s model: %w", role.name, err)
		}
		*role.dst = p
		slog.Info("model configured", "role", role.name,
			"model", role.mc.ModelName, "provider", providerName(cfg, *role.mc))
	}

	if emb := cfg.Models.Embedding; emb.ModelName != "" {
		p, err := buildEmbedder(cfg, emb)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		ps.Embedder = p
		slog.Info("embedder configured", "model", emb.ModelName, "dimensions", emb.VectorDim)
	}

	return ps, nil
}

// providerName resolves the provider entry a model role points at.
func providerName(cfg *config.Config, mc config.ModelConfig) string {
	if mc.Provider != "" {
		return mc.Provider
	}
	return cfg.Models.Common.DefaultProvider
}

// buildChatProvider creates the chat-completion client for one model role,
// wrapped in a per-provider circuit breaker so a flaky backend fails fast
// instead of stalling every turn. An empty or "openai" backend uses the
// OpenAI-compatible client; anything else is dispatched through any-llm.
func buildChatProvider(cfg *config.Config, mc config.ModelConfig) (llm.Provider, error) {
	name := providerName(cfg, mc)
	pc, ok := cfg.Models.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not declared in [providers]", name)
	}

	client, err := buildRawClient(pc, mc, roleTimeout(cfg, mc, pc))
	if err != nil {
		return nil, err
	}
	fb := resilience.NewLLMFallback(client, name+"/"+mc.ModelName, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	})

	// A role pinned to a non-default provider keeps the default endpoint as
	// a failover for the same model.
	if def := cfg.Models.Common.DefaultProvider; mc.Provider != "" && name != def && def != "" {
		if defPC, ok := cfg.Models.Providers[def]; ok {
			alt, err := buildRawClient(defPC, mc, roleTimeout(cfg, mc, defPC))
			if err != nil {
				slog.Warn("failover client unavailable", "provider", def, "err", err)
			} else {
				fb.AddFallback(def+"/"+mc.ModelName, alt)
			}
		}
	}
	return fb, nil
}

// buildRawClient creates the unwrapped client for one provider endpoint.
func buildRawClient(pc config.ProviderConfig, mc config.ModelConfig, timeout time.Duration) (llm.Provider, error) {
	if pc.Backend == "" || pc.Backend == "openai" {
		opts := []oallm.Option{oallm.WithTimeout(timeout)}
		if pc.APIBase != "" {
			opts = append(opts, oallm.WithBaseURL(pc.APIBase))
		}
		return oallm.New(pc.APIKey, mc.ModelName, opts...)
	}

	var opts []anyllmlib.Option
	if pc.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(pc.APIKey))
	}
	if pc.APIBase != "" {
		opts = append(opts, anyllmlib.WithBaseURL(pc.APIBase))
	}
	return anyllm.New(pc.Backend, mc.ModelName, opts...)
}

// buildEmbedder creates the embeddings client. Embeddings always go through
// the OpenAI-compatible endpoint.
func buildEmbedder(cfg *config.Config, emb config.EmbeddingConfig) (embeddings.Provider, error) {
	name := emb.Provider
	if name == "" {
		name = cfg.Models.Common.DefaultProvider
	}
	pc, ok := cfg.Models.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not declared in [providers]", name)
	}

	opts := []oaembed.Option{oaembed.WithTimeout(roleTimeout(cfg, config.ModelConfig{}, pc))}
	if pc.APIBase != "" {
		opts = append(opts, oaembed.WithBaseURL(pc.APIBase))
	}
	if emb.VectorDim > 0 {
		opts = append(opts, oaembed.WithDimensions(emb.VectorDim))
	}
	return oaembed.New(pc.APIKey, emb.ModelName, opts...)
}

// roleTimeout picks the request timeout: role setting, then the provider
// entry's, then the common default.
func roleTimeout(cfg *config.Config, mc config.ModelConfig, pc config.ProviderConfig) time.Duration {
	switch {
	case mc.Timeout > 0:
		return time.Duration(mc.Timeout) * time.Second
	case pc.Timeout > 0:
		return time.Duration(pc.Timeout) * time.Second
	case cfg.Models.Common.Timeout > 0:
		return time.Duration(cfg.Models.Common.Timeout) * time.Second
	default:
		return 60 * time.Second
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         yukibot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printModel("Organizer", cfg.Models.Organizer.ModelName, cfg.Models.Organizer.Enabled)
	printModel("Generator", cfg.Models.Generator.ModelName, cfg.Models.Generator.Enabled)
	printModel("Guard", cfg.Models.Guard.ModelName, cfg.Models.Guard.Enabled)
	printModel("Embedding", cfg.Models.Embedding.ModelName, cfg.Models.Embedding.ModelName != "")
	if cfg.Bot.Adapter.URL != "" {
		fmt.Printf("║  Adapter      : %-22s ║\n", trunc(cfg.Bot.Adapter.URL, 22))
	} else {
		fmt.Printf("║  Adapter      : %-22s ║\n", "(not configured)")
	}
	if cfg.Bot.AdminAddr != "" {
		fmt.Printf("║  Admin        : %-22s ║\n", trunc(cfg.Bot.AdminAddr, 22))
	}
	fmt.Printf("║  Persona      : %-22s ║\n", trunc(cfg.Role.Persona.Name, 22))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printModel(role, model string, enabled bool) {
	value := model
	if value == "" {
		value = "(not configured)"
	} else if !enabled {
		value += " (disabled)"
	}
	fmt.Printf("║  %-11s  : %-22s ║\n", role, trunc(value, 22))
}

func trunc(s string, n int) string {
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
