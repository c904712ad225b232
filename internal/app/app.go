// Package app wires all yukibot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the adapter loop and background jobs, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithGateway,
// WithVectorStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tsukishiro/yukibot/internal/adapter"
	"github.com/tsukishiro/yukibot/internal/admin"
	"github.com/tsukishiro/yukibot/internal/affection"
	"github.com/tsukishiro/yukibot/internal/command"
	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/graphmem"
	"github.com/tsukishiro/yukibot/internal/guard"
	"github.com/tsukishiro/yukibot/internal/health"
	"github.com/tsukishiro/yukibot/internal/memgc"
	"github.com/tsukishiro/yukibot/internal/mtrace"
	"github.com/tsukishiro/yukibot/internal/observe"
	"github.com/tsukishiro/yukibot/internal/orchestrator"
	"github.com/tsukishiro/yukibot/internal/scheduler"
	"github.com/tsukishiro/yukibot/internal/shortterm"
	"github.com/tsukishiro/yukibot/internal/splitter"
	"github.com/tsukishiro/yukibot/internal/stats"
	"github.com/tsukishiro/yukibot/internal/vision"
	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/memory/sqlite"
	"github.com/tsukishiro/yukibot/pkg/provider/embeddings"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

// defaultDriftThreshold gates the persona anchor similarity check.
const defaultDriftThreshold = 0.6

// Providers holds one model per pipeline role. Nil Utility falls back to
// Generator; nil KBOrganizer falls back to Organizer inside the
// orchestrator. Populated by main.go from the models config.
type Providers struct {
	Organizer   llm.Provider
	KBOrganizer llm.Provider
	Generator   llm.Provider
	Guard       llm.Provider
	Utility     llm.Provider
	Vision      llm.Provider

	Embedder embeddings.Provider
}

// Gateway is the outbound chat surface the app talks through. Implemented by
// [adapter.Client] and by the adapter mock in tests.
type Gateway interface {
	SendPrivate(ctx context.Context, userID, text string) error
	SendGroup(ctx context.Context, groupID, text string) error
	SelfID(ctx context.Context) (string, error)
	UserHistory(ctx context.Context, userID string, count int) ([]adapter.HistoryMessage, error)
	GroupHistory(ctx context.Context, groupID string, count int) ([]adapter.HistoryMessage, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       func() *config.Config
	providers *Providers
	logger    *slog.Logger

	store     *sqlite.Store
	vectors   memory.VectorStore
	graph     memory.KnowledgeGraph
	kb        memory.KnowledgeBase
	blacklist *guard.Blacklist
	injection *guard.Injection
	persona   *guard.Persona
	affection *affection.Service
	stats     *stats.Service
	tracer    *mtrace.Tracer
	shortTerm *shortterm.Buffer
	captioner *vision.Captioner
	split     *splitter.Splitter
	metrics   *observe.Metrics

	orch     *orchestrator.Orchestrator
	commands *command.Router
	sched    *scheduler.Scheduler
	admin    *admin.Server

	gateway Gateway
	client  *adapter.Client

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a chat gateway instead of dialing the configured
// adapter endpoint.
func WithGateway(g Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithVectorStore injects a vector store instead of opening one from config.
func WithVectorStore(v memory.VectorStore) Option {
	return func(a *App) { a.vectors = v }
}

// WithKnowledgeGraph injects a knowledge graph instead of opening one from
// config.
func WithKnowledgeGraph(g memory.KnowledgeGraph) Option {
	return func(a *App) { a.graph = g }
}

// WithKnowledgeBase injects a knowledge base instead of opening one from
// config.
func WithKnowledgeBase(kb memory.KnowledgeBase) Option {
	return func(a *App) { a.kb = kb }
}

// New creates an App by wiring all subsystems together. cfg must return the
// current configuration; a config watcher's Current method fits directly.
func New(cfg func() *config.Config, providers *Providers, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    logger.With("component", "app"),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStores(); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initGuards(); err != nil {
		return nil, fmt.Errorf("app: init guards: %w", err)
	}
	a.initPipeline()
	a.initJobs()
	a.initAdapter()
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStores() error {
	cfg := a.cfg()
	dataDir := cfg.Bot.Storage.DataDir

	tracer, err := mtrace.New(filepath.Join(dataDir, "logs"), a.logger)
	if err != nil {
		return err
	}
	a.tracer = tracer

	if a.vectors == nil && cfg.Bot.Storage.EnableVectorMemory && a.providers.Embedder != nil {
		store, err := sqlite.NewStore(dataDir, a.providers.Embedder, sqlite.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.store = store
		a.vectors = store
		a.closers = append(a.closers, store.Close)
	}

	if a.graph == nil {
		graph, err := sqlite.NewGraph(dataDir, a.logger)
		if err != nil {
			return err
		}
		a.graph = graph
		a.closers = append(a.closers, graph.Close)
	}

	if a.kb == nil && a.providers.Embedder != nil {
		kb, err := sqlite.NewKB(dataDir, a.providers.Embedder, a.logger)
		if err != nil {
			return err
		}
		a.kb = kb
		a.closers = append(a.closers, kb.Close)
	}

	aff, err := affection.NewService(filepath.Join(dataDir, "affection.db"), a.logger)
	if err != nil {
		return err
	}
	a.affection = aff
	a.closers = append(a.closers, aff.Close)

	st, err := stats.NewService(filepath.Join(dataDir, "stats.db"), a.logger)
	if err != nil {
		return err
	}
	a.stats = st
	a.closers = append(a.closers, st.Close)

	a.shortTerm = shortterm.New()
	return nil
}

func (a *App) initGuards() error {
	cfg := a.cfg()

	blacklist, err := guard.NewBlacklist(filepath.Join(cfg.Bot.Storage.DataDir, "guard.db"), a.logger)
	if err != nil {
		return err
	}
	a.blacklist = blacklist
	a.closers = append(a.closers, blacklist.Close)

	gm := cfg.Models.Guard
	a.injection = guard.NewInjection(a.providers.Guard,
		gm.Temperature, gm.MaxTokens, gm.TimeoutDuration(10*time.Second),
		guard.WithTracer(a.tracer), guard.WithGuardLogger(a.logger))

	personaOpts := []guard.PersonaOption{guard.WithPersonaLogger(a.logger)}
	if path := cfg.Role.Persona.AnchorFile; path != "" {
		af, err := guard.LoadAnchorFile(path)
		if err != nil {
			a.logger.Warn("persona anchor unavailable", "path", path, "err", err)
		} else {
			threshold := cfg.Role.Persona.DriftThreshold
			if threshold == 0 {
				threshold = defaultDriftThreshold
			}
			if a.providers.Embedder != nil {
				personaOpts = append(personaOpts,
					guard.WithAnchor(a.providers.Embedder, af.Anchor, threshold))
			}
			personaOpts = append(personaOpts, guard.WithExtraPatterns(af))
		}
	}
	a.persona = guard.NewPersona(personaOpts...)
	return nil
}

func (a *App) initPipeline() {
	cfg := a.cfg()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		a.logger.Warn("metrics unavailable", "err", err)
	} else {
		a.metrics = metrics
	}

	var captionCfg vision.Config
	if vc := cfg.Models.VisionCaption; vc != nil {
		captionCfg = vision.Config{
			Enabled:     vc.Enabled,
			Prompt:      vc.Prompt,
			MaxLength:   vc.MaxLength,
			Temperature: vc.Temperature,
			MaxTokens:   vc.MaxTokens,
			Timeout:     time.Duration(vc.Timeout) * time.Second,
		}
	}
	a.captioner = vision.New(captionCfg, a.providers.Vision,
		vision.WithTracer(a.tracer), vision.WithLogger(a.logger))

	rs := cfg.Bot.ReplyStrategy
	a.split = splitter.New(splitter.Config{
		Enabled:          rs.EnableSplit,
		SplitThreshold:   rs.SplitThreshold,
		MinSegmentLength: rs.MinSegmentLength,
		TypingSpeed:      rs.TypingSpeed,
		MaxDelay:         rs.MaxDelay,
	}, a.utilityProvider(), splitter.WithLogger(a.logger))

	extractor := graphmem.NewExtractor(a.utilityProvider(),
		cfg.Role.Persona.Name, 30*time.Second, a.logger)
	retriever := graphmem.NewRetriever(a.graph, extractor, a.logger)

	a.orch = orchestrator.New(orchestrator.Deps{
		Config:      a.cfg,
		Organizer:   a.providers.Organizer,
		KBOrganizer: a.providers.KBOrganizer,
		Generator:   a.providers.Generator,
		Vectors:     a.vectors,
		KB:          a.kb,
		Graph:       retriever,
		Affection:   a.affection,
		Blacklist:   a.blacklist,
		Injection:   a.injection,
		Persona:     a.persona,
		ShortTerm:   a.shortTerm,
		Captioner:   a.captioner,
		Stats:       a.stats,
		Tracer:      a.tracer,
		Metrics:     a.metrics,
	}, a.logger)
}

func (a *App) initJobs() {
	var gc *memgc.Collector
	if a.store != nil {
		gc = memgc.New(a.store, a.providers.Organizer, a.cfg, a.logger)
	}

	cleaner := graphmem.NewCleaner(a.graph, a.utilityProvider(), 60*time.Second, a.logger)

	var warmup *scheduler.Warmup
	if a.gateway != nil || a.cfg().Bot.Adapter.URL != "" {
		sc := a.cfg().Bot.Schedule
		warmup = scheduler.NewWarmup(warmupSource{app: a}, a.stats, a.shortTerm,
			sc.HistoryWarmupUsers, sc.HistoryWarmupGroups, a.logger)
	}

	a.commands = command.New(command.Deps{
		Cfg:       a.cfg,
		Blacklist: a.blacklist,
		Affection: a.affection,
		Graph:     a.graph,
		GC:        gc,
		ShortTerm: a.shortTerm,
	}, a.logger)

	a.sched = scheduler.New(scheduler.Jobs{
		Cfg:          a.cfg,
		GC:           gc,
		Blacklist:    a.blacklist,
		GraphCleaner: cleaner,
		Warmup:       warmup,
		Logger:       a.logger,
	})
}

func (a *App) initAdapter() {
	if a.gateway != nil {
		return
	}
	cfg := a.cfg()
	if cfg.Bot.Adapter.URL == "" {
		a.logger.Warn("no adapter endpoint configured, inbound messages disabled")
		return
	}
	a.client = adapter.NewClient(cfg.Bot.Adapter, a.handleMessage, a.logger)
	a.gateway = a.client
}

func (a *App) initAdmin() {
	cfg := a.cfg()
	if cfg.Bot.AdminAddr == "" {
		return
	}
	checks := health.New(
		health.Gateway(func(ctx context.Context) (string, error) {
			if a.gateway == nil {
				return "", errors.New("app: no gateway configured")
			}
			return a.gateway.SelfID(ctx)
		}),
		health.Generator(func() string {
			if a.providers.Generator == nil {
				return ""
			}
			return a.providers.Generator.ModelID()
		}),
	)
	a.admin = admin.New(admin.Deps{
		Cfg:       a.cfg,
		Stats:     a.stats,
		Affection: a.affection,
		Graph:     a.graph,
		Blacklist: a.blacklist,
		Health:    checks,
		Metrics:   a.metrics,
	}, a.logger)
}

// utilityProvider returns the utility-role model, falling back to the
// generator.
func (a *App) utilityProvider() llm.Provider {
	if a.providers.Utility != nil {
		return a.providers.Utility
	}
	return a.providers.Generator
}

// ─── Message handling ────────────────────────────────────────────────────────

// handleMessage routes one inbound message: whitelist gate, command router,
// then the reply pipeline, with the reply split into paced segments.
func (a *App) handleMessage(ctx context.Context, msg adapter.Message) {
	cfg := a.cfg()
	text := msg.Text()

	whitelisted := a.whitelisted(cfg, msg)
	if cfg.Bot.Whitelist.Enable && !whitelisted {
		a.logger.Debug("message outside whitelist dropped",
			"user", msg.UserID, "group", msg.GroupID)
		return
	}

	scene := msg.GroupID
	if scene == "" {
		scene = msg.UserID
	}

	if reply, ok := a.commands.Handle(ctx, msg.UserID, scene, text); ok {
		if reply != "" {
			if err := a.send(ctx, msg, reply); err != nil {
				a.logger.Warn("command reply failed", "user", msg.UserID, "err", err)
			}
		}
		return
	}

	toMe := msg.ToMe
	if nick := cfg.Bot.Nickname; !toMe && nick != "" && strings.Contains(text, nick) {
		toMe = true
	}
	if msg.GroupID != "" && !toMe {
		return
	}

	parts := make([]orchestrator.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		parts = append(parts, orchestrator.Part{
			Text: p.Text, ImageURL: p.ImageURL, Emoji: p.Emoji,
		})
	}

	reply := a.orch.HandleMessage(ctx, orchestrator.Turn{
		UserID:      msg.UserID,
		UserName:    msg.UserName,
		GroupID:     msg.GroupID,
		Parts:       parts,
		ToMe:        toMe,
		Whitelisted: whitelisted,
	})
	if reply == "" {
		return
	}

	err := a.split.Send(ctx, reply, func(segment string) error {
		return a.send(ctx, msg, segment)
	})
	if err != nil {
		a.logger.Warn("reply delivery failed", "user", msg.UserID, "err", err)
	}
}

// whitelisted reports whether the sender passes the whitelist. When the
// whitelist is disabled everyone passes.
func (a *App) whitelisted(cfg *config.Config, msg adapter.Message) bool {
	wl := cfg.Bot.Whitelist
	if !wl.Enable {
		return true
	}
	if msg.GroupID != "" {
		for _, g := range wl.AllowedGroups {
			if g == msg.GroupID {
				return true
			}
		}
		return false
	}
	if wl.AllowAllPrivate {
		return true
	}
	for _, u := range wl.AllowedUsers {
		if u == msg.UserID {
			return true
		}
	}
	return false
}

func (a *App) send(ctx context.Context, msg adapter.Message, text string) error {
	if a.gateway == nil {
		return errors.New("app: no gateway configured")
	}
	if msg.GroupID != "" {
		return a.gateway.SendGroup(ctx, msg.GroupID, text)
	}
	return a.gateway.SendPrivate(ctx, msg.UserID, text)
}

// warmupSource adapts the gateway's history surface to the scheduler's.
type warmupSource struct {
	app *App
}

func (s warmupSource) SelfID(ctx context.Context) (string, error) {
	if s.app.gateway == nil {
		return "", errors.New("app: no gateway configured")
	}
	return s.app.gateway.SelfID(ctx)
}

func (s warmupSource) UserHistory(ctx context.Context, userID string, count int) ([]scheduler.HistoryMessage, error) {
	if s.app.gateway == nil {
		return nil, errors.New("app: no gateway configured")
	}
	msgs, err := s.app.gateway.UserHistory(ctx, userID, count)
	if err != nil {
		return nil, err
	}
	return historyMessages(msgs), nil
}

func (s warmupSource) GroupHistory(ctx context.Context, groupID string, count int) ([]scheduler.HistoryMessage, error) {
	if s.app.gateway == nil {
		return nil, errors.New("app: no gateway configured")
	}
	msgs, err := s.app.gateway.GroupHistory(ctx, groupID, count)
	if err != nil {
		return nil, err
	}
	return historyMessages(msgs), nil
}

func historyMessages(msgs []adapter.HistoryMessage) []scheduler.HistoryMessage {
	out := make([]scheduler.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, scheduler.HistoryMessage{
			SenderID: m.SenderID, SenderName: m.SenderName, Text: m.Text, Time: m.Time,
		})
	}
	return out
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run starts the background jobs, the admin surface, and the adapter loop,
// then blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.sched.Start(ctx)
	defer a.sched.Stop()

	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				a.logger.Error("admin surface failed", "err", err)
			}
		}()
	}

	a.logger.Info("yukibot running")
	if a.client != nil {
		if err := a.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		<-ctx.Done()
	}
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.admin != nil {
			if err := a.admin.Shutdown(ctx); err != nil {
				a.logger.Warn("admin shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
