// Package vision turns image parts of an inbound message into short text
// captions so the rest of the pipeline only ever sees text.
//
// Images are downloaded locally and sent to the vision model as base64 data
// URIs; the model provider never fetches from the chat CDN itself.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/internal/mtrace"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

// defaultPrompt is the caption instruction used when the config carries none.
const defaultPrompt = "请用一句到两句简短自然的中文口语，客观描述这张图片的主要内容和气氛。"

// downloadTimeout bounds the CDN fetch, separate from the model timeout.
const downloadTimeout = 15 * time.Second

// maxImageBytes caps the downloaded image size before base64 expansion.
const maxImageBytes = 8 << 20

// captionPrefixes are boilerplate openers the vision models like to emit.
var captionPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^这张图片(中|里|显示|展示)?[，,：:]?\s*`),
	regexp.MustCompile(`^图片(中|里|显示|展示)?[，,：:]?\s*`),
	regexp.MustCompile(`^画面(中|里|显示|展示)?[，,：:]?\s*`),
	regexp.MustCompile(`^图中[，,：:]?\s*`),
}

// Config tunes the captioner.
type Config struct {
	// Enabled turns captioning off entirely when false; Describe then
	// returns "".
	Enabled bool

	// Prompt overrides the default caption instruction.
	Prompt string

	// MaxLength caps the caption in runes. Zero means 80.
	MaxLength int

	Temperature float64
	MaxTokens   int

	// Timeout bounds the model call. Zero means 30s.
	Timeout time.Duration
}

// Captioner describes images through a vision-capable chat model.
type Captioner struct {
	cfg      Config
	provider llm.Provider
	client   *http.Client
	tracer   *mtrace.Tracer
	logger   *slog.Logger
}

// Option configures a Captioner.
type Option func(*Captioner)

// WithHTTPClient replaces the download client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Captioner) { v.client = c }
}

// WithTracer records every vision call through t.
func WithTracer(t *mtrace.Tracer) Option {
	return func(v *Captioner) { v.tracer = t }
}

// WithLogger sets the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Captioner) { v.logger = l }
}

// New creates a Captioner over the given vision provider.
func New(cfg Config, provider llm.Provider, opts ...Option) *Captioner {
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 80
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	v := &Captioner{
		cfg:      cfg,
		provider: provider,
		client:   &http.Client{Timeout: downloadTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vision")
	return v
}

// Describe downloads the image at url and returns a short caption.
// Any failure (download, model, empty output) degrades to "" so the caller
// can simply skip the image part.
func (v *Captioner) Describe(ctx context.Context, url, userID string) string {
	if !v.cfg.Enabled || v.provider == nil {
		return ""
	}

	dataURL, err := v.fetchDataURL(ctx, url)
	if err != nil {
		v.logger.Warn("image download failed", "url", clip(url, 50), "err", err)
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := v.provider.Complete(cctx, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: v.cfg.Prompt,
			Images:  []string{dataURL},
		}},
		Temperature: v.cfg.Temperature,
		MaxTokens:   v.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		v.logger.Warn("vision model call failed", "url", clip(url, 50), "err", err)
		return ""
	}

	caption := CleanCaption(resp.Content, v.cfg.MaxLength)
	v.trace(mtrace.Call{
		Stage:       mtrace.StageVision,
		Model:       v.provider.ModelID(),
		UserID:      userID,
		UserMessage: clip(url, 200),
		Output:      caption,
		Reasoning:   resp.Reasoning,
		Temperature: v.cfg.Temperature,
		MaxTokens:   v.cfg.MaxTokens,
		Elapsed:     elapsed,
	})
	if caption != "" {
		v.logger.Info("image captioned", "caption", caption)
	}
	return caption
}

// fetchDataURL downloads url and returns it as a base64 data URI.
func (v *Captioner) fetchDataURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("vision: build request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision: download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", fmt.Errorf("vision: read body: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("vision: empty image body")
	}

	mime := mimeFor(resp.Header.Get("Content-Type"))
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// mimeFor maps the CDN content type onto the handful of types vision
// endpoints accept, defaulting to JPEG.
func mimeFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return "image/png"
	case strings.Contains(contentType, "gif"):
		return "image/gif"
	case strings.Contains(contentType, "webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// CleanCaption strips boilerplate openers and bounds the caption to maxRunes,
// preferring to cut at a sentence separator once at least 20 runes survive.
func CleanCaption(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	for _, re := range captionPrefixes {
		text = re.ReplaceAllString(text, "")
	}

	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	head := runes[:maxRunes]
	for _, sep := range []rune{'。', '！', '？', '，', ','} {
		if i := lastIndexRune(head, sep); i > 20 {
			return string(head[:i+1])
		}
	}
	return string(runes[:maxRunes-1]) + "…"
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func (v *Captioner) trace(c mtrace.Call) {
	if v.tracer != nil {
		v.tracer.Record(c)
	}
}

func clip(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}
