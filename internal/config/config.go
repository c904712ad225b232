// Package config provides the configuration schema, loader, and file watcher
// for the Yuki chat agent.
//
// Configuration is split across three TOML files in a config directory:
//
//	bot_config.toml        runtime behaviour, storage, whitelist, guard
//	ai_model_config.toml   providers and per-role model settings
//	role_play_config.toml  persona, expression, and prompt templates
package config

import "time"

// LogLevel controls log verbosity for the agent.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration, assembled from the three TOML files.
type Config struct {
	Bot    BotConfig
	Models ModelsConfig
	Role   RoleConfig
}

// ─────────────────────────────────────────────────────────────────────────────
// bot_config.toml
// ─────────────────────────────────────────────────────────────────────────────

// BotConfig holds runtime behaviour settings.
type BotConfig struct {
	// Nickname is the agent's display name, also used for @-mention detection.
	Nickname string `toml:"nickname"`

	// CommandPrefixes lists the prefixes that mark a message as a command.
	CommandPrefixes []string `toml:"command_start"`

	// AdminIDs lists user ids allowed to run administrative commands.
	AdminIDs []string `toml:"admin_id"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `toml:"log_level"`

	// Adapter configures the chat platform connection.
	Adapter AdapterConfig `toml:"adapter"`

	// AdminAddr is the listen address of the admin HTTP surface. Empty
	// disables it.
	AdminAddr string `toml:"admin_addr"`

	// AdminToken guards the admin HTTP surface. Empty means no auth.
	AdminToken string `toml:"admin_token"`

	ReplyStrategy  ReplyStrategyConfig  `toml:"reply_strategy"`
	Storage        StorageConfig        `toml:"storage"`
	Whitelist      WhitelistConfig      `toml:"whitelist"`
	InjectionGuard InjectionGuardConfig `toml:"injection_guard"`
	Schedule       ScheduleConfig       `toml:"schedule"`
}

// AdapterConfig configures the OneBot-style WebSocket connection to the chat
// platform.
type AdapterConfig struct {
	// URL is the WebSocket endpoint of the platform gateway
	// (e.g. "ws://127.0.0.1:8080/ws").
	URL string `toml:"url"`

	// AccessToken is sent as a Bearer token during the handshake if set.
	AccessToken string `toml:"access_token"`

	// ReconnectSeconds is the delay between reconnect attempts.
	ReconnectSeconds int `toml:"reconnect_seconds"`
}

// ReplyStrategyConfig tunes message splitting and typing simulation.
type ReplyStrategyConfig struct {
	// EnableSplit turns long-reply splitting on.
	EnableSplit bool `toml:"enable_split"`

	// SplitThreshold is the reply length in runes below which splitting is
	// skipped entirely.
	SplitThreshold int `toml:"split_threshold"`

	// MinSegmentLength is the minimum runes per split segment.
	MinSegmentLength int `toml:"min_segment_length"`

	// TypingSpeed is the simulated typing time per rune, in seconds.
	TypingSpeed float64 `toml:"typing_speed"`

	// MaxDelay caps the per-segment typing delay, in seconds.
	MaxDelay float64 `toml:"max_delay"`
}

// StorageConfig tunes the long-term memory layer.
type StorageConfig struct {
	// DataDir is the root of all persisted state.
	DataDir string `toml:"data_dir"`

	// RetrieveCount is the default number of memories fetched per search.
	RetrieveCount int `toml:"retrieve_count"`

	// SimilarityThreshold filters conversation-memory hits.
	SimilarityThreshold float64 `toml:"similarity_threshold"`

	// KBSimilarityThreshold filters knowledge-base hits.
	KBSimilarityThreshold float64 `toml:"kb_similarity_threshold"`

	// CrossScene widens private searches to include group-shadow memories.
	CrossScene bool `toml:"cross_scene"`

	// EnableVectorMemory turns the vector store off entirely when false.
	EnableVectorMemory bool `toml:"enable_vector_memory"`

	GC GCConfig `toml:"gc"`
}

// GCConfig tunes the memory garbage collector.
type GCConfig struct {
	// HardLimit is the row count above which the oldest DeleteFraction of
	// rows is dropped outright.
	HardLimit int `toml:"hard_limit"`

	// DeleteFraction is the share of rows deleted when HardLimit is exceeded.
	DeleteFraction float64 `toml:"delete_fraction"`

	// SummarizeLimit is the row count above which the oldest
	// SummarizeFraction of rows is compacted into summaries.
	SummarizeLimit int `toml:"summarize_limit"`

	// SummarizeFraction is the share of rows compacted when SummarizeLimit
	// is exceeded.
	SummarizeFraction float64 `toml:"summarize_fraction"`

	// BatchSize is the number of rows folded into one summary.
	BatchSize int `toml:"batch_size"`

	// MaxSummaryChars truncates each generated summary.
	MaxSummaryChars int `toml:"max_summary_chars"`

	// RebuildAfterGC rewrites the vector index after rows are deleted, at
	// the cost of re-embedding the surviving rows. When false, drift between
	// rows and vectors is only logged.
	RebuildAfterGC bool `toml:"rebuild_after_gc"`
}

// WhitelistConfig restricts who the agent replies to.
type WhitelistConfig struct {
	Enable          bool     `toml:"enable"`
	AllowAllPrivate bool     `toml:"allow_all_private"`
	AllowedUsers    []string `toml:"allowed_users"`
	AllowedGroups   []string `toml:"allowed_groups"`
}

// InjectionGuardConfig tunes prompt-injection screening.
type InjectionGuardConfig struct {
	Enable bool `toml:"enable"`

	// BlacklistMinutes is how long a flagged user is banned.
	BlacklistMinutes int `toml:"blacklist_minutes"`

	// OnlyToMeInGroup limits group screening to messages addressed to the
	// agent.
	OnlyToMeInGroup bool `toml:"enable_in_group_only_to_me"`

	// OnlyWhitelisted limits screening to whitelisted conversations.
	OnlyWhitelisted bool `toml:"enable_only_for_whitelisted_chat"`

	// SkipShortLength skips the LLM check for messages shorter than this
	// many runes; the keyword pre-filter still applies.
	SkipShortLength int `toml:"skip_short_message_length"`
}

// ScheduleConfig tunes the background job intervals.
type ScheduleConfig struct {
	GCHours           int `toml:"gc_hours"`
	BlacklistMinutes  int `toml:"blacklist_minutes"`
	GraphCleanupHours int `toml:"graph_cleanup_hours"`

	// HistoryWarmupUsers bounds how many recently active private scenes the
	// startup warm-up refills; HistoryWarmupGroups lists the group ids whose
	// scenes are refilled from platform history.
	HistoryWarmupUsers  int      `toml:"history_warmup_users"`
	HistoryWarmupGroups []string `toml:"history_warmup_groups"`
}

// ─────────────────────────────────────────────────────────────────────────────
// ai_model_config.toml
// ─────────────────────────────────────────────────────────────────────────────

// ModelsConfig declares API providers and the model assigned to each role in
// the pipeline.
type ModelsConfig struct {
	// Providers maps provider names to their endpoints.
	Providers map[string]ProviderConfig `toml:"providers"`

	Common CommonConfig `toml:"common"`

	// Organizer runs the first pipeline stage: context compression.
	Organizer ModelConfig `toml:"organizer"`

	// KBOrganizer optionally overrides Organizer for knowledge-base
	// summarization. Falls back to Organizer when absent.
	KBOrganizer *ModelConfig `toml:"kb_organizer"`

	// Generator runs the second pipeline stage: the in-character reply.
	Generator ModelConfig `toml:"generator"`

	// Guard screens inbound messages for prompt injection.
	Guard ModelConfig `toml:"guard"`

	// Utility handles auxiliary tasks such as memory summaries, entity
	// extraction, and message splitting. Falls back to Generator when absent.
	Utility *ModelConfig `toml:"utility"`

	// Vision describes images for the reply pipeline.
	Vision ModelConfig `toml:"vision"`

	// VisionCaption tunes image captioning inside conversations.
	VisionCaption *VisionCaptionConfig `toml:"vision_caption"`

	Embedding EmbeddingConfig `toml:"embedding"`
	Fallback  FallbackConfig  `toml:"fallback"`
}

// ProviderConfig is one OpenAI-compatible API endpoint.
type ProviderConfig struct {
	APIBase string `toml:"api_base"`
	APIKey  string `toml:"api_key"`
	Timeout int    `toml:"timeout"`

	// Backend selects the client implementation ("openai" or one of the
	// any-llm backends: anthropic, gemini, ollama, deepseek, mistral, groq,
	// llamacpp, llamafile). Empty means openai.
	Backend string `toml:"backend"`
}

// CommonConfig holds cross-model defaults.
type CommonConfig struct {
	DefaultProvider string `toml:"default_provider"`
	Timeout         int    `toml:"timeout"`
}

// ModelConfig is the per-role model block shared by organizer, generator,
// guard, utility, and vision.
type ModelConfig struct {
	// Provider selects an entry in Providers; empty uses the default.
	Provider string `toml:"provider"`

	ModelName   string  `toml:"model_name"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     int     `toml:"timeout"`
	Enabled     bool    `toml:"enabled"`

	// SystemPrompt is the role's prompt template, where the orchestrator
	// substitutes context placeholders.
	SystemPrompt string `toml:"system_prompt"`
}

// TimeoutDuration returns the role timeout, falling back to def.
func (m ModelConfig) TimeoutDuration(def time.Duration) time.Duration {
	if m.Timeout > 0 {
		return time.Duration(m.Timeout) * time.Second
	}
	return def
}

// VisionCaptionConfig tunes image captioning for conversations.
type VisionCaptionConfig struct {
	Enabled     bool    `toml:"enabled"`
	Prompt      string  `toml:"prompt"`
	MaxLength   int     `toml:"max_length"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     int     `toml:"timeout"`
}

// EmbeddingConfig selects the embeddings model.
type EmbeddingConfig struct {
	Provider  string `toml:"provider"`
	ModelName string `toml:"model_name"`
	BatchSize int    `toml:"batch_size"`
	VectorDim int    `toml:"vector_dim"`
}

// FallbackConfig controls degraded behaviour on pipeline errors.
type FallbackConfig struct {
	// ErrorReply is sent when reply generation fails outright.
	ErrorReply string `toml:"error_reply"`

	// SkipOrganizerOnFailure continues to the generator with raw context
	// when the organizer stage fails, instead of aborting.
	SkipOrganizerOnFailure bool `toml:"skip_organizer_on_failure"`
}

// ─────────────────────────────────────────────────────────────────────────────
// role_play_config.toml
// ─────────────────────────────────────────────────────────────────────────────

// RoleConfig holds the persona and prompt templates.
type RoleConfig struct {
	Persona        PersonaConfig        `toml:"persona"`
	Expression     ExpressionConfig     `toml:"expression"`
	PromptTemplate PromptTemplateConfig `toml:"system_prompt_template"`
	RecentDialogue RecentDialogueConfig `toml:"recent_dialogue"`
}

// PersonaConfig is the character sheet.
type PersonaConfig struct {
	Name        string `toml:"name"`
	Nickname    string `toml:"nickname"`
	Age         string `toml:"age"`
	Personality string `toml:"personality"`
	Background  string `toml:"background"`

	// AnchorFile points at the YAML persona anchor used by the drift check.
	// Empty disables the embedding similarity gate.
	AnchorFile string `toml:"anchor_file"`

	// DriftThreshold is the minimum cosine similarity to the anchor before
	// a reply counts as drift. Zero means 0.6.
	DriftThreshold float64 `toml:"drift_threshold"`
}

// ExpressionConfig describes how the character speaks.
type ExpressionConfig struct {
	SpeakingStyle          string   `toml:"speaking_style"`
	Description            string   `toml:"description"`
	ToneOfVoice            string   `toml:"tone_of_voice"`
	PunctuationStyle       string   `toml:"punctuation_style"`
	UseActionMarkers       bool     `toml:"use_action_markers"`
	ActionFormat           string   `toml:"action_format"`
	ReplyLengthPreference  string   `toml:"reply_length_preference"`
	ReplyLengthDescription string   `toml:"reply_length_description"`
	FillerWords            []string `toml:"filler_words"`
	FillerFrequency        string   `toml:"filler_frequency"`
}

// PromptTemplateConfig holds the system prompt templates with their
// placeholders.
type PromptTemplateConfig struct {
	// Template is the private-chat system prompt.
	Template string `toml:"template"`

	// GroupTemplate is the group-chat system prompt. Falls back to Template
	// when empty.
	GroupTemplate string `toml:"group_template"`

	// ConversationRules is appended to every system prompt.
	ConversationRules string `toml:"conversation_rules"`

	// RoleProfile is the compact character sketch injected into organizer
	// prompts.
	RoleProfile string `toml:"role_profile"`

	// MemorySummaryPrompt is the template used by memory GC compaction.
	MemorySummaryPrompt string `toml:"memory_summary_prompt"`
}

// RecentDialogueConfig bounds the short-term history injected into prompts.
type RecentDialogueConfig struct {
	PrivateMaxRounds int `toml:"private_max_rounds"`
	GroupMaxRounds   int `toml:"group_max_rounds"`
	MaxChars         int `toml:"max_chars"`
}
