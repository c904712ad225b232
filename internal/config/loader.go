package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// The three files Load expects inside the config directory.
const (
	BotFile    = "bot_config.toml"
	ModelsFile = "ai_model_config.toml"
	RoleFile   = "role_play_config.toml"
)

// knownBackends lists the supported provider backends.
var knownBackends = []string{
	"", "openai", "anthropic", "gemini", "ollama", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the three TOML files from dir, applies defaults and environment
// overrides, and returns a validated Config.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	files := []struct {
		name string
		dest any
	}{
		{BotFile, &cfg.Bot},
		{ModelsFile, &cfg.Models},
		{RoleFile, &cfg.Role},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		md, err := toml.DecodeFile(path, f.dest)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			slog.Warn("unknown config key", "file", f.name, "key", key.String())
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	b := &cfg.Bot
	if b.Nickname == "" {
		b.Nickname = "Yuki"
	}
	if len(b.CommandPrefixes) == 0 {
		b.CommandPrefixes = []string{"/"}
	}
	if b.LogLevel == "" {
		b.LogLevel = LogInfo
	}
	if b.Adapter.ReconnectSeconds <= 0 {
		b.Adapter.ReconnectSeconds = 5
	}

	rs := &b.ReplyStrategy
	if rs.SplitThreshold <= 0 {
		rs.SplitThreshold = 50
	}
	if rs.MinSegmentLength <= 0 {
		rs.MinSegmentLength = 5
	}
	if rs.TypingSpeed <= 0 {
		rs.TypingSpeed = 0.15
	}
	if rs.MaxDelay <= 0 {
		rs.MaxDelay = 5.0
	}

	st := &b.Storage
	if st.DataDir == "" {
		st.DataDir = "./data"
	}
	if st.RetrieveCount <= 0 {
		st.RetrieveCount = 10
	}
	if st.SimilarityThreshold == 0 {
		st.SimilarityThreshold = 0.4
	}
	if st.KBSimilarityThreshold == 0 {
		st.KBSimilarityThreshold = 0.45
	}

	gc := &st.GC
	if gc.HardLimit <= 0 {
		gc.HardLimit = 200
	}
	if gc.DeleteFraction <= 0 {
		gc.DeleteFraction = 0.15
	}
	if gc.SummarizeLimit <= 0 {
		gc.SummarizeLimit = 150
	}
	if gc.SummarizeFraction <= 0 {
		gc.SummarizeFraction = 0.20
	}
	if gc.BatchSize <= 0 {
		gc.BatchSize = 15
	}
	if gc.MaxSummaryChars <= 0 {
		gc.MaxSummaryChars = 500
	}

	ig := &b.InjectionGuard
	if ig.BlacklistMinutes <= 0 {
		ig.BlacklistMinutes = 30
	}
	if ig.SkipShortLength <= 0 {
		ig.SkipShortLength = 5
	}

	sc := &b.Schedule
	if sc.GCHours <= 0 {
		sc.GCHours = 12
	}
	if sc.BlacklistMinutes <= 0 {
		sc.BlacklistMinutes = 10
	}
	if sc.GraphCleanupHours <= 0 {
		sc.GraphCleanupHours = 4
	}

	m := &cfg.Models
	if m.Common.Timeout <= 0 {
		m.Common.Timeout = 60
	}
	if m.Embedding.ModelName == "" {
		m.Embedding.ModelName = "BAAI/bge-large-zh-v1.5"
	}
	if m.Embedding.VectorDim <= 0 {
		m.Embedding.VectorDim = 1024
	}
	if m.Embedding.BatchSize <= 0 {
		m.Embedding.BatchSize = 16
	}
	if m.Fallback.ErrorReply == "" {
		m.Fallback.ErrorReply = "哎呀，我的大脑短路了，请稍后再试..."
	}
	if m.Guard.Temperature == 0 {
		m.Guard.Temperature = 0.1
	}
	if m.Guard.MaxTokens <= 0 {
		m.Guard.MaxTokens = 10
	}
	if m.Guard.Timeout <= 0 {
		m.Guard.Timeout = 8
	}

	rd := &cfg.Role.RecentDialogue
	if rd.PrivateMaxRounds <= 0 {
		rd.PrivateMaxRounds = 6
	}
	if rd.GroupMaxRounds <= 0 {
		rd.GroupMaxRounds = 4
	}
	if rd.MaxChars <= 0 {
		rd.MaxChars = 400
	}
}

// applyEnvOverrides lets deployments inject provider credentials without
// writing them into the config file. YUKI_API_KEY_<PROVIDER> overrides the
// matching provider's api_key.
func applyEnvOverrides(cfg *Config) {
	for name, p := range cfg.Models.Providers {
		envKey := "YUKI_API_KEY_" + strings.ToUpper(name)
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			cfg.Models.Providers[name] = p
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Bot.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("bot.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Bot.LogLevel))
	}
	if cfg.Bot.Adapter.URL == "" {
		slog.Warn("adapter.url is empty; the agent will not connect to a chat platform")
	}

	rs := cfg.Bot.ReplyStrategy
	if rs.TypingSpeed < 0 || rs.TypingSpeed > 2 {
		errs = append(errs, fmt.Errorf("reply_strategy.typing_speed %.2f is out of range [0, 2]", rs.TypingSpeed))
	}

	st := cfg.Bot.Storage
	if st.SimilarityThreshold < 0 || st.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("storage.similarity_threshold %.2f is out of range [0, 1]", st.SimilarityThreshold))
	}
	if st.KBSimilarityThreshold < 0 || st.KBSimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("storage.kb_similarity_threshold %.2f is out of range [0, 1]", st.KBSimilarityThreshold))
	}
	if st.GC.DeleteFraction <= 0 || st.GC.DeleteFraction >= 1 {
		errs = append(errs, fmt.Errorf("storage.gc.delete_fraction %.2f is out of range (0, 1)", st.GC.DeleteFraction))
	}
	if st.GC.SummarizeFraction <= 0 || st.GC.SummarizeFraction >= 1 {
		errs = append(errs, fmt.Errorf("storage.gc.summarize_fraction %.2f is out of range (0, 1)", st.GC.SummarizeFraction))
	}

	m := cfg.Models
	if m.Common.DefaultProvider != "" {
		if _, ok := m.Providers[m.Common.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("common.default_provider %q is not declared in [providers]", m.Common.DefaultProvider))
		}
	}
	for name, p := range m.Providers {
		if p.APIBase == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_base is required", name))
		}
		if !backendKnown(p.Backend) {
			errs = append(errs, fmt.Errorf("providers.%s.backend %q is unknown", name, p.Backend))
		}
	}

	validateModel := func(role string, mc ModelConfig, required bool) {
		if mc.ModelName == "" {
			if required {
				errs = append(errs, fmt.Errorf("%s.model_name is required", role))
			}
			return
		}
		if mc.Provider != "" {
			if _, ok := m.Providers[mc.Provider]; !ok {
				errs = append(errs, fmt.Errorf("%s.provider %q is not declared in [providers]", role, mc.Provider))
			}
		} else if m.Common.DefaultProvider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is empty and common.default_provider is not set", role))
		}
		if mc.Temperature < 0 || mc.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", role, mc.Temperature))
		}
	}
	validateModel("organizer", m.Organizer, true)
	validateModel("generator", m.Generator, true)
	validateModel("guard", m.Guard, cfg.Bot.InjectionGuard.Enable)
	validateModel("vision", m.Vision, false)
	if m.KBOrganizer != nil {
		validateModel("kb_organizer", *m.KBOrganizer, false)
	}
	if m.Utility != nil {
		validateModel("utility", *m.Utility, false)
	}

	if cfg.Role.PromptTemplate.Template == "" {
		errs = append(errs, errors.New("system_prompt_template.template is required"))
	}
	if cfg.Role.Persona.Name == "" {
		errs = append(errs, errors.New("persona.name is required"))
	}

	return errors.Join(errs...)
}

func backendKnown(backend string) bool {
	for _, b := range knownBackends {
		if backend == b {
			return true
		}
	}
	return false
}
