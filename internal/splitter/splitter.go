// Package splitter breaks long replies into short message bursts.
//
// A utility model rewrites one long reply as several chat-sized lines, and a
// typing-speed delay between segments makes the burst read like a person at a
// keyboard rather than a single wall of text. Splitting is best-effort: any
// model failure falls back to sending the original text in one piece.
package splitter

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

const splitSystemPrompt = `你是消息拆分助手。将长文本拆分成多条短消息，模拟真人发送消息的习惯。

【拆分规则】
1. 根据长度进行拆分，可以选择不拆，不拆则直接原文返回
2. 保持语义完整，不要在句子中间断开
3. 不要添加任何标点符号，保持原文
4. 不要添加序号、分隔符等额外内容

【输出格式】
每行一条消息，不要有空行，不要有序号。

【示例】
输入：随你吧，反正说了你也不信，都一点了啊，你还不睡吗
输出：
随你吧
反正说了你也不信
都一点了啊
你还不睡吗`

// leadingNumber strips list markers the model sometimes adds anyway.
var leadingNumber = regexp.MustCompile(`^\d+[.、]\s*`)

// Config mirrors the reply_strategy block of the bot config.
type Config struct {
	Enabled          bool
	SplitThreshold   int
	MinSegmentLength int
	TypingSpeed      float64
	MaxDelay         float64
}

// Splitter turns one reply into paced segments.
type Splitter struct {
	cfg     Config
	utility llm.Provider
	logger  *slog.Logger

	// jitter returns the random typing-speed multiplier. Swapped in tests.
	jitter func() float64
}

// Option configures a [Splitter].
type Option func(*Splitter)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Splitter) { s.logger = l.With("component", "splitter") }
}

// WithJitter overrides the random delay multiplier source.
func WithJitter(fn func() float64) Option {
	return func(s *Splitter) { s.jitter = fn }
}

// New creates a splitter. utility may be nil, in which case Split always
// returns the text whole.
func New(cfg Config, utility llm.Provider, opts ...Option) *Splitter {
	s := &Splitter{
		cfg:     cfg,
		utility: utility,
		logger:  slog.Default().With("component", "splitter"),
		jitter:  func() float64 { return 0.8 + rand.Float64()*0.4 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split returns the reply as one or more segments. Short replies, code
// blocks, and any model failure return the text unsplit.
func (s *Splitter) Split(ctx context.Context, text string) []string {
	if !s.cfg.Enabled || len([]rune(text)) < s.cfg.SplitThreshold {
		return []string{text}
	}
	if strings.Contains(text, "```") {
		s.logger.Debug("code block present, not splitting")
		return []string{text}
	}
	if s.utility == nil {
		return []string{text}
	}

	segments, err := s.llmSplit(ctx, text)
	if err != nil {
		s.logger.Error("model split failed, sending whole", "err", err)
		return []string{text}
	}
	if len(segments) == 0 {
		return []string{text}
	}
	s.logger.Debug("reply split", "segments", len(segments))
	return segments
}

func (s *Splitter) llmSplit(ctx context.Context, text string) ([]string, error) {
	resp, err := s.utility.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: splitSystemPrompt,
		Messages:     []llm.Message{llm.User("请拆分以下文本：\n" + text)},
		Temperature:  0.3,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, err
	}

	var segments []string
	for _, line := range strings.Split(strings.TrimSpace(resp.Content), "\n") {
		line = strings.TrimSpace(line)
		line = leadingNumber.ReplaceAllString(line, "")
		if line == "" {
			continue
		}
		segments = append(segments, line)
	}
	return segments, nil
}

// Delay returns how long to idle after sending segment before the next one,
// based on segment length, the configured typing speed, and random jitter.
func (s *Splitter) Delay(segment string) time.Duration {
	base := float64(len([]rune(segment))) * s.cfg.TypingSpeed
	d := base * s.jitter()
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return time.Duration(d * float64(time.Second))
}

// Send splits text and delivers each segment through send, pausing between
// segments. A send error aborts the remaining segments.
func (s *Splitter) Send(ctx context.Context, text string, send func(segment string) error) error {
	segments := s.Split(ctx, text)
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if err := send(seg); err != nil {
			return err
		}
		if i == len(segments)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Delay(seg)):
		}
	}
	return nil
}
