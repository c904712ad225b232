// Package graphmem builds and queries the per-user knowledge graph from
// dialogue turns.
//
// Three cooperating pieces live here:
//
//   - Extractor: LLM-driven extraction of entities, relations, and time
//     references from one (user message, reply) turn.
//   - Retriever: keyword-driven graph lookup that turns 2-hop neighborhoods
//     into a compact natural-language memory clause.
//   - Cleaner: the scheduled LLM pass that merges duplicate entities and
//     drops low-value nodes.
package graphmem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

const extractionSystemPrompt = `你是知识图谱构建助手。从对话中提取关键实体、关系和时间信息。

【输出格式】JSON格式，包含三个字段：
1. entities: 实体列表，每个实体包含：
   - name: 实体名（具体名称，如"艾玛"）
   - type: 类型（人物/地点/事件/物品/情感/其他）
   - alias: 别名或指代（如"她"、"那个人"，没有则为空）

2. relations: 关系列表，每个关系包含：
   - source: 源实体（具体名称）
   - target: 目标实体（具体名称）
   - relation: 关系描述（动词短语，如"喜欢"、"去过"、"讨厌"）
   - time_ref: 时间指代（如"昨天"、"上次"、"最近"、"现在"，没有则为空）

3. time_context: 对话中的时间上下文（如"昨天"、"上次"、"刚才"，没有则为空）

【提取规则】
- 只提取重要的实体（人名、地名、事件、物品等）
- 关系要简洁明确（如：喜欢、讨厌、去过、拥有、提到等）
- %[1]s是 Bot，%[2]s 是用户
- 如果对话中有"她"、"他"、"那个"等指代词，尝试推断具体指代谁，填入 alias 字段
- 如果对话中有时间词（昨天、上次、最近、刚才等），提取到 time_ref 和 time_context
- 如果没有明显实体或关系，返回空列表

【示例】
输入：
%[2]s：我昨天去了东京塔
%[1]s：东京塔的夜景很美

输出：
{"entities": [{"name": "%[2]s", "type": "人物", "alias": ""}, {"name": "东京塔", "type": "地点", "alias": ""}], "relations": [{"source": "%[2]s", "target": "东京塔", "relation": "去过", "time_ref": "昨天"}], "time_context": "昨天"}`

const keywordSystemPrompt = `你是关键词提取助手。从用户消息中提取关键实体和时间指代。

【输出格式】
第一行: 2-3个关键词(用逗号分隔)
第二行: 时间指代(如"昨天"、"上次"、"最近"，没有则输出"无")

【示例】
输入: 你怎么知道她不需要
输出:
她，不需要
无
`

// ExtractedEntity is one entity the model pulled from a turn.
type ExtractedEntity struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// ExtractedRelation is one relation the model pulled from a turn.
type ExtractedRelation struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
	TimeRef  string `json:"time_ref"`
}

// Extraction is the parsed model output for one turn.
type Extraction struct {
	Entities    []ExtractedEntity   `json:"entities"`
	Relations   []ExtractedRelation `json:"relations"`
	TimeContext string              `json:"time_context"`
}

// Extractor runs small organizer-model calls that turn free text into graph
// material.
type Extractor struct {
	provider    llm.Provider
	personaName string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewExtractor creates an Extractor over the given (cheap) model.
func NewExtractor(provider llm.Provider, personaName string, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{
		provider:    provider,
		personaName: personaName,
		timeout:     timeout,
		logger:      logger.With("component", "graphmem"),
	}
}

// ExtractDialogue pulls entities, relations, and the time context out of one
// (user message, reply) turn.
func (e *Extractor) ExtractDialogue(ctx context.Context, userMessage, botReply, userName string) (Extraction, error) {
	system := fmt.Sprintf(extractionSystemPrompt, e.personaName, userName)
	user := fmt.Sprintf("【对话内容】\n%s：%s\n%s：%s\n\n请提取实体和关系（JSON格式）：",
		userName, userMessage, e.personaName, botReply)

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(cctx, llm.CompletionRequest{
		Messages:     []llm.Message{llm.User(user)},
		SystemPrompt: system,
		Temperature:  0.4,
		MaxTokens:    500,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("graphmem: extract dialogue: %w", err)
	}

	var out Extraction
	if err := json.Unmarshal([]byte(stripJSONFence(resp.Content)), &out); err != nil {
		return Extraction{}, fmt.Errorf("graphmem: parse extraction: %w", err)
	}
	return out, nil
}

// ExtractQueryKeywords asks the model for 2-3 keywords plus a time reference
// for a retrieval query. Falls back to the heuristic extraction on any model
// failure so retrieval still works offline.
func (e *Extractor) ExtractQueryKeywords(ctx context.Context, query, userName string) (keywords []string, timeRef string) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(cctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.User(fmt.Sprintf("用户（%s）说：%s\n\n请提取关键实体和时间指代：", userName, query)),
		},
		SystemPrompt: keywordSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    50,
	})
	if err == nil && resp.Content != "" {
		var lines []string
		for _, line := range strings.Split(resp.Content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			for _, k := range strings.FieldsFunc(lines[0], func(r rune) bool { return r == ',' || r == '，' }) {
				if k = strings.TrimSpace(k); k != "" {
					keywords = append(keywords, k)
				}
			}
			if len(keywords) > 5 {
				keywords = keywords[:5]
			}
			if len(lines) > 1 && lines[1] != "无" {
				timeRef = lines[1]
			}
			if len(keywords) > 0 {
				return keywords, timeRef
			}
		}
	}
	if err != nil {
		e.logger.Debug("keyword extraction fell back to heuristics", "err", err)
	}
	return HeuristicKeywords(query), HeuristicTimeRef(query)
}

var (
	chineseWordRe = regexp.MustCompile(`[\p{Han}]{2,4}`)
	latinWordRe   = regexp.MustCompile(`[a-zA-Z]{3,}`)
)

// keywordStopwords drops closed-class words that never name an entity.
var keywordStopwords = map[string]bool{
	"什么": true, "怎么": true, "为什么": true, "哪里": true, "怎样": true,
	"如何": true, "是否": true, "可以": true, "能不能": true, "有没有": true,
	"为何": true, "何时": true, "何地": true, "谁的": true, "哪个": true, "哪些": true,
	"你的": true, "我的": true, "他的": true, "她的": true, "它的": true,
	"我们": true, "你们": true, "他们": true,
	"这个": true, "那个": true, "这些": true, "那些": true, "这样": true, "那样": true,
	"知道": true, "觉得": true, "认为": true, "感觉": true, "想要": true,
	"希望": true, "需要": true, "应该": true,
	"不是": true, "没有": true, "不要": true, "不会": true, "不能": true,
	"还是": true, "或者": true, "但是": true,
	"因为": true, "所以": true, "如果": true, "虽然": true, "然后": true,
	"接着": true, "于是": true,
}

// timeKeywords are the recognized surface forms of a time reference.
var timeKeywords = []string{
	"昨天", "前天", "上次", "最近", "刚才", "刚刚", "之前",
	"上周", "上个月", "去年", "那天", "那时", "当时",
}

// HeuristicKeywords extracts up to five keywords without a model: 2-4 rune
// Chinese n-grams minus a stopword set, plus Latin tokens of 3+ letters.
func HeuristicKeywords(text string) []string {
	var (
		keywords []string
		seen     = map[string]bool{}
	)
	for _, w := range chineseWordRe.FindAllString(text, -1) {
		if !keywordStopwords[w] && !seen[w] {
			keywords = append(keywords, w)
			seen[w] = true
		}
	}
	for _, w := range latinWordRe.FindAllString(text, -1) {
		lower := strings.ToLower(w)
		if !seen[lower] {
			keywords = append(keywords, w)
			seen[lower] = true
		}
	}
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	return keywords
}

// HeuristicTimeRef returns the first recognized time word in text, if any.
func HeuristicTimeRef(text string) string {
	for _, k := range timeKeywords {
		if strings.Contains(text, k) {
			return k
		}
	}
	return ""
}

// stripJSONFence unwraps a ```json fence, or failing that cuts the text down
// to its outermost brace pair. Models rarely return bare JSON.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end > start {
		return s[start : end+1]
	}
	return s
}
