// Package mtrace records every LLM call for offline inspection.
//
// Two sinks are written per call:
//
//   - logs/llm_trace.log: an append-only TOML-style block per call, meant to
//     be read by a human chasing a bad reply.
//   - logs/<stage>/<stage>_YYYYMMDD.jsonl: one JSON record per line,
//     day-partitioned, meant for scripts.
//
// Tracing must never break the reply pipeline: all write failures are logged
// and swallowed.
package mtrace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline stage names used in trace records.
const (
	StageOrganizer   = "organizer"
	StageKBOrganizer = "kb_organizer"
	StageGenerator   = "generator"
	StageGuard       = "guard"
	StageUtility     = "utility"
	StageVision      = "vision"
)

// Text longer than these limits is truncated in the human-readable log.
const (
	trimLimit          = 3000
	reasoningTrimLimit = 5000
)

// Call is one LLM invocation to record.
type Call struct {
	Stage        string
	Model        string
	UserID       string
	UserMessage  string
	SystemPrompt string
	Output       string

	// Reasoning is the model's thinking trace, when the backend exposes one.
	Reasoning string

	// ContextSummary is the organizer output fed to the generator. Only set
	// for generator calls.
	ContextSummary string

	Temperature float64
	MaxTokens   int
	Elapsed     time.Duration

	// Blocked and BlockReason are only set for guard calls.
	Blocked     bool
	BlockReason string
}

// Tracer writes call traces under a logs directory.
type Tracer struct {
	mu      sync.Mutex
	logsDir string
	logger  *slog.Logger
}

// New creates a tracer rooted at logsDir, creating it if needed.
func New(logsDir string, logger *slog.Logger) (*Tracer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("mtrace: create %s: %w", logsDir, err)
	}
	return &Tracer{logsDir: logsDir, logger: logger.With("component", "mtrace")}, nil
}

// Record writes the call to both sinks. Failures are logged, never returned.
func (t *Tracer) Record(c Call) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	if err := t.appendTrace(id, c); err != nil {
		t.logger.Warn("trace log write failed", "err", err)
	}
	if err := t.appendJSON(id, c); err != nil {
		t.logger.Warn("json trace write failed", "err", err)
	}
}

// appendTrace writes the human-readable TOML-style block.
func (t *Tracer) appendTrace(id string, c Call) error {
	f, err := os.OpenFile(filepath.Join(t.logsDir, "llm_trace.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "[[%s_call]]\n", c.Stage)
	fmt.Fprintf(&b, "id = %q\n", id)
	fmt.Fprintf(&b, "time = %q\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "model = %q\n", c.Model)
	fmt.Fprintf(&b, "elapsed_seconds = %.2f\n", c.Elapsed.Seconds())
	if c.UserID != "" {
		fmt.Fprintf(&b, "user_id = %q\n", c.UserID)
	}
	fmt.Fprintf(&b, "temperature = %g\n", c.Temperature)
	fmt.Fprintf(&b, "max_tokens = %d\n", c.MaxTokens)
	if c.Stage == StageGuard {
		fmt.Fprintf(&b, "is_blocked = %t\n", c.Blocked)
		if c.BlockReason != "" {
			fmt.Fprintf(&b, "block_reason = %q\n", escapeMultiline(c.BlockReason))
		}
	}
	b.WriteString("\n")

	writeBlock(&b, "user_message", escapeMultiline(c.UserMessage))
	if c.ContextSummary != "" {
		writeBlock(&b, "context_summary", escapeMultiline(trim(c.ContextSummary, trimLimit)))
	}
	writeBlock(&b, "system_prompt", escapeMultiline(trim(c.SystemPrompt, trimLimit)))
	if c.Reasoning != "" {
		writeBlock(&b, "reasoning", escapeMultiline(trim(c.Reasoning, reasoningTrimLimit)))
	}
	writeBlock(&b, "output", escapeMultiline(trim(c.Output, trimLimit)))

	b.WriteString("# " + strings.Repeat("=", 60) + "\n\n")

	_, err = f.WriteString(b.String())
	return err
}

func writeBlock(b *strings.Builder, key, text string) {
	b.WriteString(key + " = '''\n")
	b.WriteString(text)
	b.WriteString("\n'''\n\n")
}

// jsonRecord is the machine-readable trace shape.
type jsonRecord struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Model     string  `json:"model"`
	Stage     string  `json:"stage"`
	UserID    string  `json:"user_id,omitempty"`
	Input     struct {
		UserMessage  string `json:"user_message"`
		SystemPrompt string `json:"system_prompt"`
	} `json:"input"`
	Output struct {
		Content        string `json:"content"`
		Reasoning      string `json:"reasoning,omitempty"`
		ContextSummary string `json:"context_summary,omitempty"`
		Blocked        bool   `json:"blocked,omitempty"`
		BlockReason    string `json:"block_reason,omitempty"`
	} `json:"output"`
	Parameters struct {
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	} `json:"parameters"`
	Metadata struct {
		ElapsedSeconds float64 `json:"elapsed_time_seconds"`
	} `json:"metadata"`
}

// appendJSON writes one JSON line to the stage's day-partitioned file.
func (t *Tracer) appendJSON(id string, c Call) error {
	dir := filepath.Join(t.logsDir, c.Stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%s.jsonl", c.Stage, time.Now().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(dir, name),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var rec jsonRecord
	rec.ID = id
	rec.Timestamp = time.Now().Format(time.RFC3339)
	rec.Model = c.Model
	rec.Stage = c.Stage
	rec.UserID = c.UserID
	rec.Input.UserMessage = c.UserMessage
	rec.Input.SystemPrompt = c.SystemPrompt
	rec.Output.Content = c.Output
	rec.Output.Reasoning = c.Reasoning
	rec.Output.ContextSummary = c.ContextSummary
	rec.Output.Blocked = c.Blocked
	rec.Output.BlockReason = c.BlockReason
	rec.Parameters.Temperature = c.Temperature
	rec.Parameters.MaxTokens = c.MaxTokens
	rec.Metadata.ElapsedSeconds = c.Elapsed.Seconds()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// trim truncates text to limit runs of bytes, marking the cut.
func trim(text string, limit int) string {
	if len(text) > limit {
		return text[:limit] + "\n...[TRUNCATED]..."
	}
	return text
}

// escapeMultiline keeps embedded triple quotes from breaking the block
// format.
func escapeMultiline(text string) string {
	return strings.ReplaceAll(text, "'''", "' ' '")
}
