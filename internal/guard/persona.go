package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tsukishiro/yukibot/pkg/provider/embeddings"
)

// defaultGreeting replaces user text that is empty after injection cleansing.
const defaultGreeting = "你好"

// injectionPatterns catch common phrasings that try to rewrite the persona.
var injectionPatterns = []string{
	`从现在开始.{0,10}(不要|忘记|忽略|放弃).{0,20}(设定|角色|人设|身份)`,
	`你(其实|实际上|本来).{0,10}(不是|并非).{0,20}(月代雪|魔女|大魔女)`,
	`(忽略|无视|忘掉|放弃).{0,10}(上面|之前|所有).{0,10}(规则|设定|指令)`,
	`(请|你要|你必须).{0,10}(扮演|假装|当作).{0,10}(另一个|其他|别的)`,
	`(不要|别).{0,10}(保持|维持|继续).{0,10}(角色|人设|设定)`,
	`你(是不是|其实是).{0,10}(AI|人工智能|语言模型|机器人)`,
	`(告诉我|说说).{0,10}(真实|真正).{0,10}(身份|是谁)`,
	`(DAN|jailbreak|越狱|解除限制)`,
	`进入.{0,10}(开发者|测试|调试).{0,10}模式`,
}

// removalPatterns are the injected sentence shapes stripped from user text
// before it reaches the pipeline.
var removalPatterns = []string{
	`从现在开始[^。！？\n]*[。！？\n]?`,
	`你要(忘记|忽略|放弃)[^。！？\n]*[。！？\n]?`,
	`(忽略|无视|忘掉)上面[^。！？\n]*[。！？\n]?`,
	`你其实(不是|并非)[^。！？\n]*[。！？\n]?`,
}

// replyBlacklistPatterns flag a generated reply that drops out of character
// and self-identifies as an AI.
var replyBlacklistPatterns = []string{
	`作为(一个)?(AI|人工智能|语言模型)`,
	`我(是|只是)(一个)?(AI|人工智能|语言模型|机器人)`,
	`我没有(真实的)?(情感|感情|意识)`,
	`我(无法|不能)(真正|真的)(理解|感受)`,
	`根据我的(训练|编程|设定)`,
}

// AnchorFile is the YAML document holding the persona anchor paragraph and
// optional extra guard patterns.
type AnchorFile struct {
	// Anchor is the paragraph whose embedding defines "in character".
	Anchor string `yaml:"anchor"`

	// ReplyBlacklist adds regexes to the built-in reply rule check.
	ReplyBlacklist []string `yaml:"reply_blacklist"`

	// InjectionPatterns adds regexes to the built-in injection detector.
	InjectionPatterns []string `yaml:"injection_patterns"`
}

// LoadAnchorFile reads the persona anchor YAML at path.
func LoadAnchorFile(path string) (*AnchorFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guard: read anchor file: %w", err)
	}
	var af AnchorFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("guard: parse anchor file %s: %w", path, err)
	}
	if strings.TrimSpace(af.Anchor) == "" {
		return nil, fmt.Errorf("guard: anchor file %s has no anchor text", path)
	}
	return &af, nil
}

// Persona cleans injected phrasing out of user text and checks generated
// replies for character breaks, optionally backed by an embedding similarity
// check against a persona anchor paragraph.
type Persona struct {
	injectRe  []*regexp.Regexp
	removeRe  []*regexp.Regexp
	replyRe   []*regexp.Regexp
	anchor    string
	threshold float64
	embedder  embeddings.Provider
	logger    *slog.Logger

	anchorOnce sync.Once
	anchorVec  []float32
}

// PersonaOption configures a [Persona].
type PersonaOption func(*Persona)

// WithAnchor enables the embedding similarity check. Replies whose cosine
// similarity to the anchor falls below threshold are flagged as drift.
func WithAnchor(embedder embeddings.Provider, anchor string, threshold float64) PersonaOption {
	return func(p *Persona) {
		p.embedder = embedder
		p.anchor = anchor
		p.threshold = threshold
	}
}

// WithExtraPatterns appends regexes from an anchor file to the built-in
// lists. Invalid patterns are skipped with a warning.
func WithExtraPatterns(af *AnchorFile) PersonaOption {
	return func(p *Persona) {
		for _, pat := range af.InjectionPatterns {
			re, err := regexp.Compile(`(?i)` + pat)
			if err != nil {
				p.logger.Warn("bad injection pattern skipped", "pattern", pat, "err", err)
				continue
			}
			p.injectRe = append(p.injectRe, re)
		}
		for _, pat := range af.ReplyBlacklist {
			re, err := regexp.Compile(`(?i)` + pat)
			if err != nil {
				p.logger.Warn("bad reply pattern skipped", "pattern", pat, "err", err)
				continue
			}
			p.replyRe = append(p.replyRe, re)
		}
	}
}

// WithPersonaLogger sets the logger. Defaults to slog.Default.
func WithPersonaLogger(l *slog.Logger) PersonaOption {
	return func(p *Persona) { p.logger = l.With("component", "persona_guard") }
}

// NewPersona builds the guard with the built-in pattern lists.
func NewPersona(opts ...PersonaOption) *Persona {
	p := &Persona{
		logger: slog.Default().With("component", "persona_guard"),
	}
	for _, pat := range injectionPatterns {
		p.injectRe = append(p.injectRe, regexp.MustCompile(`(?i)`+pat))
	}
	for _, pat := range removalPatterns {
		p.removeRe = append(p.removeRe, regexp.MustCompile(`(?i)`+pat))
	}
	for _, pat := range replyBlacklistPatterns {
		p.replyRe = append(p.replyRe, regexp.MustCompile(`(?i)`+pat))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DetectInjection reports whether text matches any injection phrasing,
// returning the matched patterns.
func (p *Persona) DetectInjection(text string) (bool, []string) {
	var matched []string
	for _, re := range p.injectRe {
		if re.MatchString(text) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) > 0 {
		p.logger.Warn("injection phrasing detected", "patterns", len(matched))
	}
	return len(matched) > 0, matched
}

// CleanInjection strips injected sentence shapes from text, keeping whatever
// the user actually asked. Empty residue becomes a default greeting.
func (p *Persona) CleanInjection(text string) string {
	cleaned := text
	for _, re := range p.removeRe {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(regexp.MustCompile(`\s+`).ReplaceAllString(cleaned, " "))
	if cleaned == "" {
		cleaned = defaultGreeting
		p.logger.Info("cleansed text was empty, substituting greeting")
	}
	if cleaned != text {
		p.logger.Info("injection phrasing removed", "before", clip(text, 50), "after", clip(cleaned, 50))
	}
	return cleaned
}

// CheckReplyRules scans a generated reply for character-breaking phrasing.
// Returns ok=false and the violated pattern when the reply must be rewritten.
func (p *Persona) CheckReplyRules(reply string) (ok bool, reason string) {
	for _, re := range p.replyRe {
		if re.MatchString(reply) {
			reason = "包含破坏角色的表述: " + re.String()
			p.logger.Warn("reply breaks character", "reason", reason)
			return false, reason
		}
	}
	return true, ""
}

// CheckPersonaMatch embeds the reply and compares it against the cached
// anchor vector. Without an embedder, or on any embedding failure, the check
// passes; drift detection is advisory.
func (p *Persona) CheckPersonaMatch(ctx context.Context, reply string) (match bool, similarity float64) {
	if p.embedder == nil || p.anchor == "" {
		return true, 1.0
	}

	p.anchorOnce.Do(func() {
		vec, err := p.embedder.Embed(ctx, p.anchor)
		if err != nil {
			p.logger.Error("anchor embedding failed", "err", err)
			return
		}
		p.anchorVec = vec
		p.logger.Info("persona anchor vector cached", "dims", len(vec))
	})
	if p.anchorVec == nil {
		return true, 1.0
	}

	replyVec, err := p.embedder.Embed(ctx, reply)
	if err != nil {
		p.logger.Error("reply embedding failed", "err", err)
		return true, 1.0
	}

	similarity = cosine(replyVec, p.anchorVec)
	match = similarity >= p.threshold
	if !match {
		p.logger.Warn("reply may have drifted off persona",
			"similarity", similarity, "threshold", p.threshold)
	}
	return match, similarity
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
