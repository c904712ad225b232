// Package orchestrator runs the full reply pipeline for one inbound message:
// blacklist gate, injection guard, image captioning, retrieval fan-out, the
// two-stage organizer/generator model chain, persona checking, and memory
// persistence.
//
// The pipeline is fail-soft end to end: every stage degrades to a neutral
// value rather than aborting the turn, and the only terminal fallback is the
// configured error reply.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tsukishiro/yukibot/internal/affection"
	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/graphmem"
	"github.com/tsukishiro/yukibot/internal/guard"
	"github.com/tsukishiro/yukibot/internal/mtrace"
	"github.com/tsukishiro/yukibot/internal/observe"
	"github.com/tsukishiro/yukibot/internal/shortterm"
	"github.com/tsukishiro/yukibot/internal/stats"
	"github.com/tsukishiro/yukibot/internal/vision"
	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

// Part is one segment of an inbound message.
type Part struct {
	// Text is set for plain-text segments.
	Text string

	// ImageURL is set for image segments.
	ImageURL string

	// Emoji marks sticker images, which are never captioned.
	Emoji bool
}

// Turn is one inbound message with its routing context.
type Turn struct {
	UserID   string
	UserName string

	// GroupID and GroupName are set for group messages.
	GroupID   string
	GroupName string

	Parts []Part

	// ToMe reports whether the message addressed the agent (@-mention or
	// private chat).
	ToMe bool

	// Whitelisted reports whether the sender passed the whitelist gate.
	Whitelisted bool
}

// SceneKey identifies the conversation scene: the group id for group chats,
// the user id otherwise.
func (t Turn) SceneKey() string {
	if t.GroupID != "" {
		return t.GroupID
	}
	return t.UserID
}

// rawText concatenates the turn's text parts.
func (t Turn) rawText() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.TrimSpace(p.Text))
	}
	return strings.TrimSpace(b.String())
}

// Deps wires the orchestrator to every service it drives. Config is called
// once per turn so hot-reloaded settings take effect immediately. Optional
// fields (Graph, Captioner, Tracer, Metrics) may be nil.
type Deps struct {
	Config func() *config.Config

	// Organizer runs context compression; Generator produces the reply.
	// KBOrganizer, when nil, falls back to Organizer.
	Organizer   llm.Provider
	KBOrganizer llm.Provider
	Generator   llm.Provider

	Vectors memory.VectorStore
	KB      memory.KnowledgeBase
	Graph   *graphmem.Retriever

	Affection *affection.Service
	Blacklist *guard.Blacklist
	Injection *guard.Injection
	Persona   *guard.Persona

	ShortTerm *shortterm.Buffer
	Captioner *vision.Captioner

	Stats   *stats.Service
	Tracer  *mtrace.Tracer
	Metrics *observe.Metrics
}

// Orchestrator serializes turns per scene and runs the reply pipeline.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	scenes map[string]*sync.Mutex
}

// New creates an Orchestrator over deps.
func New(deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
		scenes: make(map[string]*sync.Mutex),
	}
}

// HandleMessage runs the pipeline for one turn and returns the text to send.
// An empty return means nothing should be sent (blacklist silent drop, or a
// turn reduced to no content).
func (o *Orchestrator) HandleMessage(ctx context.Context, t Turn) string {
	cfg := o.deps.Config()

	// Blacklist gate runs before anything else.
	if notice, blocked := o.blacklistGate(ctx, t); blocked {
		return notice
	}

	raw := t.rawText()

	if notice, blocked := o.guardGate(ctx, cfg, t, raw); blocked {
		return notice
	}

	if o.deps.Stats != nil && t.UserID != "" {
		if err := o.deps.Stats.RecordIncoming(ctx, t.UserID); err != nil {
			o.logger.Warn("incoming stat failed", "err", err)
		}
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordMessageReceived(ctx, chatKind(t))
	}

	text := o.composeText(ctx, t, raw)
	if text == "" {
		o.logger.Debug("turn reduced to empty text, dropping", "scene", t.SceneKey())
		return ""
	}

	// Scrub known injection phrasing before the text reaches any model.
	if o.deps.Persona != nil {
		if hit, patterns := o.deps.Persona.DetectInjection(text); hit {
			o.logger.Warn("injection phrasing scrubbed", "user", t.UserID, "patterns", patterns)
			text = o.deps.Persona.CleanInjection(text)
		}
	}

	mu := o.sceneLock(t.SceneKey())
	mu.Lock()
	defer mu.Unlock()

	ret := o.retrieve(ctx, cfg, t, text)

	rd := cfg.Role.RecentDialogue
	maxRounds := rd.PrivateMaxRounds
	if t.GroupID != "" {
		maxRounds = rd.GroupMaxRounds
	}
	recent := o.deps.ShortTerm.FormatRecent(t.SceneKey(), shortterm.FormatOptions{
		UserName:    t.UserName,
		PersonaName: cfg.Role.Persona.Name,
		MaxRounds:   maxRounds,
		MaxChars:    rd.MaxChars,
		Group:       t.GroupID != "",
	})

	summary, err := o.organize(ctx, cfg, t, text, ret.longMem)
	if err != nil {
		o.logger.Error("organizer stage failed", "err", err)
		return cfg.Models.Fallback.ErrorReply
	}

	var kbInfo string
	if ret.kbRaw != "" {
		kbInfo = o.organizeKnowledge(ctx, cfg, text, ret.kbRaw)
	}

	reply, err := o.generate(ctx, cfg, t, text, summary, kbInfo, recent, ret.temperature)
	if err != nil {
		o.logger.Error("generator stage failed", "err", err)
		return cfg.Models.Fallback.ErrorReply
	}

	if o.deps.Persona != nil {
		if ok, reason := o.deps.Persona.CheckReplyRules(reply); !ok {
			o.logger.Warn("reply violated persona rules, rewriting", "reason", reason)
			reply = o.correctionRewrite(ctx, cfg, t, text, summary)
		}
	}

	o.persist(ctx, cfg, t, text, reply)

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordMessageSent(ctx, chatKind(t))
	}
	return reply
}

// blacklistGate returns the restriction notice when the sender is banned.
func (o *Orchestrator) blacklistGate(ctx context.Context, t Turn) (string, bool) {
	if o.deps.Blacklist == nil || t.UserID == "" {
		return "", false
	}
	rec, active, err := o.deps.Blacklist.Info(ctx, t.UserID)
	if err != nil {
		o.logger.Warn("blacklist lookup failed", "user", t.UserID, "err", err)
		return "", false
	}
	if !active {
		return "", false
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordBlocked(ctx, "blacklist")
	}
	return fmt.Sprintf("抱歉，您的对话功能已被暂时限制，剩余 %d 分钟。", remainingMinutes(rec.Remaining())), true
}

// guardGate screens the raw text for injection attacks. A positive verdict
// bans the sender and returns the ban notice. Guard failures are fail-open.
func (o *Orchestrator) guardGate(ctx context.Context, cfg *config.Config, t Turn, raw string) (string, bool) {
	gc := cfg.Bot.InjectionGuard
	if !gc.Enable || raw == "" || o.deps.Injection == nil || t.UserID == "" {
		return "", false
	}
	if t.GroupID != "" && gc.OnlyToMeInGroup && !t.ToMe {
		return "", false
	}
	if gc.OnlyWhitelisted && !t.Whitelisted {
		return "", false
	}

	var v guard.Verdict
	if utf8.RuneCountInString(raw) < gc.SkipShortLength {
		// Too short for a model call; the keyword tier still applies.
		v = o.deps.Injection.CheckKeywords(raw, t.UserID)
	} else {
		var err error
		v, err = o.deps.Injection.Check(ctx, raw, t.UserID)
		if err != nil {
			o.logger.Warn("guard check failed, continuing", "user", t.UserID, "err", err)
			return "", false
		}
	}
	if !v.Blocked {
		return "", false
	}

	d := time.Duration(gc.BlacklistMinutes) * time.Minute
	rec, err := o.deps.Blacklist.Ban(ctx, t.UserID, d, "疑似注入攻击："+clipRunes(raw, 30), guard.BannedByGuard)
	if err != nil {
		o.logger.Error("guard ban failed", "user", t.UserID, "err", err)
		rec = guard.BanRecord{}
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordBlocked(ctx, "guard")
	}
	remaining := remainingMinutes(rec.Remaining())
	if remaining <= 0 {
		remaining = gc.BlacklistMinutes
	}
	return fmt.Sprintf("抱歉，检测到异常请求，已暂时限制对话功能 %d 分钟。", remaining), true
}

// composeText merges the raw text with image captions. A single captioned
// image renders as [图片描述：…]; multiple render as numbered [图片N：…]
// blocks. Sticker images are skipped entirely.
func (o *Orchestrator) composeText(ctx context.Context, t Turn, raw string) string {
	var captions []string
	if o.deps.Captioner != nil {
		for _, p := range t.Parts {
			if p.ImageURL == "" || p.Emoji {
				continue
			}
			if c := o.deps.Captioner.Describe(ctx, p.ImageURL, t.UserID); c != "" {
				captions = append(captions, c)
			}
		}
	}
	if len(captions) == 0 {
		return raw
	}

	var imageText string
	if len(captions) == 1 {
		imageText = fmt.Sprintf("[图片描述：%s]", captions[0])
	} else {
		parts := make([]string, len(captions))
		for i, c := range captions {
			parts[i] = fmt.Sprintf("[图片%d：%s]", i+1, c)
		}
		imageText = strings.Join(parts, " ")
	}
	if raw == "" {
		return imageText
	}
	return raw + " " + imageText
}

// organize runs the first model stage: compress long-term memory into a short
// scene summary.
func (o *Orchestrator) organize(ctx context.Context, cfg *config.Config, t Turn, text, longMem string) (string, error) {
	org := cfg.Models.Organizer
	if !org.Enabled {
		return "用户输入：" + text, nil
	}

	system := org.SystemPrompt
	if system == "" {
		system = defaultOrganizerPrompt
	}
	hasMem := longMem != ""
	if hasMem {
		system = strings.ReplaceAll(system, "{memory_content}",
			formatMemoryForOrganizer(longMem, t.UserName, cfg.Role.Persona.Name))
	} else {
		system = strings.ReplaceAll(system, "{memory_content}", "(暂无历史记忆)")
	}
	user := organizerUserPrompt(t.UserName, text, hasMem)

	cctx, cancel := context.WithTimeout(ctx, org.TimeoutDuration(o.commonTimeout(cfg)))
	defer cancel()

	start := time.Now()
	resp, err := o.deps.Organizer.Complete(cctx, llm.CompletionRequest{
		Messages:     []llm.Message{llm.User(user)},
		SystemPrompt: system,
		Temperature:  org.Temperature,
		MaxTokens:    org.MaxTokens,
	})
	elapsed := time.Since(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordModelCall(ctx, "organizer", o.deps.Organizer.ModelID(), elapsed, err)
	}
	if err != nil {
		if cfg.Models.Fallback.SkipOrganizerOnFailure {
			o.logger.Warn("organizer failed, proceeding with raw input", "err", err)
			return "User input: " + text, nil
		}
		return "", fmt.Errorf("orchestrator: organize: %w", err)
	}
	o.recordUsage(ctx, org.ModelName, resp)

	summary := strings.TrimSpace(resp.Content)
	o.trace(mtrace.Call{
		Stage:        mtrace.StageOrganizer,
		Model:        o.deps.Organizer.ModelID(),
		UserID:       t.UserID,
		UserMessage:  text,
		SystemPrompt: system,
		Output:       summary,
		Temperature:  org.Temperature,
		MaxTokens:    org.MaxTokens,
		Elapsed:      elapsed,
	})
	if summary == "" {
		return "User input: " + text, nil
	}
	return summary, nil
}

// organizeKnowledge runs the optional stage between organizer and generator:
// compress knowledge-base hits to what the message needs. Degrades to the
// raw hits on any failure.
func (o *Orchestrator) organizeKnowledge(ctx context.Context, cfg *config.Config, text, kbRaw string) string {
	kb := cfg.Models.KBOrganizer
	if kb == nil || !kb.Enabled {
		return kbRaw
	}
	provider := o.deps.KBOrganizer
	if provider == nil {
		provider = o.deps.Organizer
	}

	system := kb.SystemPrompt
	if system == "" {
		system = defaultKBOrganizerPrompt
	}
	temp := kb.Temperature
	if temp == 0 {
		temp = 0.2
	}
	maxTokens := kb.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}

	cctx, cancel := context.WithTimeout(ctx, kb.TimeoutDuration(o.commonTimeout(cfg)))
	defer cancel()

	start := time.Now()
	resp, err := provider.Complete(cctx, llm.CompletionRequest{
		Messages:     []llm.Message{llm.User(kbOrganizerUserPrompt(text, kbRaw))},
		SystemPrompt: system,
		Temperature:  temp,
		MaxTokens:    maxTokens,
	})
	elapsed := time.Since(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordModelCall(ctx, "kb_organizer", provider.ModelID(), elapsed, err)
	}
	if err != nil {
		o.logger.Warn("knowledge summarization failed, using raw hits", "err", err)
		return kbRaw
	}
	o.recordUsage(ctx, kb.ModelName, resp)

	summary := strings.TrimSpace(resp.Content)
	o.trace(mtrace.Call{
		Stage:       mtrace.StageKBOrganizer,
		Model:       provider.ModelID(),
		UserMessage: text,
		Output:      summary,
		Temperature: temp,
		MaxTokens:   maxTokens,
		Elapsed:     elapsed,
	})
	if summary == "" {
		return kbRaw
	}
	return summary
}

// generate runs the second model stage: the in-character reply.
func (o *Orchestrator) generate(ctx context.Context, cfg *config.Config, t Turn, text, summary, kbInfo, recent string, temperature float64) (string, error) {
	gen := cfg.Models.Generator
	if !gen.Enabled {
		return "", fmt.Errorf("orchestrator: generator model disabled")
	}

	tmpl := cfg.Role.PromptTemplate.Template
	if t.GroupID != "" && cfg.Role.PromptTemplate.GroupTemplate != "" {
		tmpl = cfg.Role.PromptTemplate.GroupTemplate
	}
	groupName := t.GroupName
	if groupName == "" {
		groupName = t.GroupID
	}

	system := buildReplySystemPrompt(tmpl, promptVars{
		RoleProfile:       o.roleProfile(cfg),
		ExpressionStyle:   cfg.Role.Expression.SpeakingStyle,
		UserName:          t.UserName,
		MemorySummary:     summary,
		RecentDialogue:    recent,
		KBInfo:            kbInfo,
		ConversationRules: cfg.Role.PromptTemplate.ConversationRules,
		GroupName:         groupName,
		AffectionLevel:    o.affectionDisplay(ctx, t.UserID),
		Now:               time.Now(),
	})

	cctx, cancel := context.WithTimeout(ctx, gen.TimeoutDuration(o.commonTimeout(cfg)))
	defer cancel()

	start := time.Now()
	resp, err := o.deps.Generator.Complete(cctx, llm.CompletionRequest{
		Messages:     []llm.Message{llm.User(text)},
		SystemPrompt: system,
		Temperature:  temperature,
		MaxTokens:    gen.MaxTokens,
	})
	elapsed := time.Since(start)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordModelCall(ctx, "generator", o.deps.Generator.ModelID(), elapsed, err)
	}
	if err != nil {
		return "", fmt.Errorf("orchestrator: generate: %w", err)
	}
	o.recordUsage(ctx, gen.ModelName, resp)

	if strings.TrimSpace(resp.Content) == "" {
		return cfg.Models.Fallback.ErrorReply, nil
	}
	reply := CleanReply(resp.Content)

	o.trace(mtrace.Call{
		Stage:          mtrace.StageGenerator,
		Model:          o.deps.Generator.ModelID(),
		UserID:         t.UserID,
		UserMessage:    text,
		SystemPrompt:   system,
		Output:         reply,
		Reasoning:      resp.Reasoning,
		ContextSummary: summary,
		Temperature:    temperature,
		MaxTokens:      gen.MaxTokens,
		Elapsed:        elapsed,
	})
	return reply, nil
}

// correctionRewrite regenerates a rule-violating reply with a minimal
// character anchor. The rewrite is returned verbatim; a failed rewrite
// degrades to "......".
func (o *Orchestrator) correctionRewrite(ctx context.Context, cfg *config.Config, t Turn, text, summary string) string {
	gen := cfg.Models.Generator
	prompt := correctionPrompt(cfg.Role.Persona.Name, o.roleProfile(cfg), summary, t.UserName, text)

	cctx, cancel := context.WithTimeout(ctx, gen.TimeoutDuration(o.commonTimeout(cfg)))
	defer cancel()

	resp, err := o.deps.Generator.Complete(cctx, llm.CompletionRequest{
		Messages:    []llm.Message{llm.User(prompt)},
		Temperature: 0.5,
		MaxTokens:   gen.MaxTokens,
	})
	if err != nil {
		o.logger.Error("correction rewrite failed", "err", err)
		return "......"
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return cfg.Models.Fallback.ErrorReply
	}
	o.logger.Info("correction rewrite applied", "reply", clipRunes(reply, 50))
	return reply
}

// persist writes the finished turn into short-term memory, the vector store,
// the knowledge graph, affection, and stats. The short-term append, vector
// append, and affection update complete under the scene lock so the next
// turn's retrieval sees them; only graph extraction and stats run in the
// background.
func (o *Orchestrator) persist(ctx context.Context, cfg *config.Config, t Turn, text, reply string) {
	scene := t.SceneKey()
	if scene != "" {
		o.deps.ShortTerm.Append(scene, text, reply, t.UserName)
	}

	if cfg.Bot.Storage.EnableVectorMemory && t.UserID != "" {
		if err := o.deps.Vectors.AddPair(ctx, t.UserID, text, reply, t.GroupID, t.UserName); err != nil {
			o.logger.Warn("memory write failed", "user", t.UserID, "err", err)
		}
	}
	if o.deps.Graph != nil && t.UserID != "" {
		go o.deps.Graph.AddDialogue(context.WithoutCancel(ctx), t.UserID, text, reply, t.UserName)
	}

	if o.deps.Affection != nil && t.UserID != "" {
		if _, err := o.deps.Affection.Update(ctx, t.UserID, text); err != nil {
			o.logger.Warn("affection update failed", "user", t.UserID, "err", err)
		}
	}
	if o.deps.Stats != nil && t.UserID != "" {
		if err := o.deps.Stats.RecordOutgoing(ctx, t.UserID); err != nil {
			o.logger.Warn("outgoing stat failed", "err", err)
		}
	}
}

// affectionDisplay renders the sender's affection band for the prompt.
func (o *Orchestrator) affectionDisplay(ctx context.Context, userID string) string {
	if o.deps.Affection == nil || userID == "" {
		return ""
	}
	score, level, err := o.deps.Affection.GetOrCreate(ctx, userID)
	if err != nil {
		o.logger.Warn("affection lookup failed", "user", userID, "err", err)
		return ""
	}
	return fmt.Sprintf("%s（%.1f/10）", affection.LevelName(level), score)
}

// roleProfile prefers the compact profile, falling back to the expression
// description.
func (o *Orchestrator) roleProfile(cfg *config.Config) string {
	if p := cfg.Role.PromptTemplate.RoleProfile; p != "" {
		return p
	}
	return cfg.Role.Expression.Description
}

func (o *Orchestrator) commonTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Models.Common.Timeout) * time.Second
}

func (o *Orchestrator) sceneLock(scene string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.scenes[scene]
	if !ok {
		mu = &sync.Mutex{}
		o.scenes[scene] = mu
	}
	return mu
}

func (o *Orchestrator) trace(c mtrace.Call) {
	if o.deps.Tracer != nil {
		o.deps.Tracer.Record(c)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, modelName string, resp *llm.CompletionResponse) {
	if o.deps.Stats == nil || resp == nil {
		return
	}
	u := resp.Usage
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	if err := o.deps.Stats.RecordLLMUsage(ctx, modelName, u.PromptTokens, u.CompletionTokens); err != nil {
		o.logger.Warn("usage stat failed", "model", modelName, "err", err)
	}
}

// remainingMinutes rounds a ban remainder up to whole minutes for notices.
func remainingMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}

func chatKind(t Turn) string {
	if t.GroupID != "" {
		return "group"
	}
	return "private"
}
