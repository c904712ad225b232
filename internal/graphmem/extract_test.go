package graphmem

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tsukishiro/yukibot/pkg/provider/llm"
	llmmock "github.com/tsukishiro/yukibot/pkg/provider/llm/mock"
)

func testExtractor(p llm.Provider) *Extractor {
	return NewExtractor(p, "月代雪", time.Second, nil)
}

func TestExtractDialogue_ParsesFencedJSON(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n" +
			`{"entities": [{"name": "东京塔", "type": "地点", "alias": ""}],
			  "relations": [{"source": "小明", "target": "东京塔", "relation": "去过", "time_ref": "昨天"}],
			  "time_context": "昨天"}` + "\n```"},
	}

	ext, err := testExtractor(provider).ExtractDialogue(
		context.Background(), "我昨天去了东京塔", "夜景不错", "小明")
	if err != nil {
		t.Fatalf("ExtractDialogue: %v", err)
	}
	if len(ext.Entities) != 1 || ext.Entities[0].Name != "东京塔" {
		t.Errorf("entities = %+v", ext.Entities)
	}
	if len(ext.Relations) != 1 || ext.Relations[0].TimeRef != "昨天" {
		t.Errorf("relations = %+v", ext.Relations)
	}
	if ext.TimeContext != "昨天" {
		t.Errorf("time_context = %q", ext.TimeContext)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.4 || req.MaxTokens != 500 {
		t.Errorf("params = %g/%d, want 0.4/500", req.Temperature, req.MaxTokens)
	}
}

func TestExtractDialogue_BadJSONErrors(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "抱歉，无法提取。"},
	}
	if _, err := testExtractor(provider).ExtractDialogue(
		context.Background(), "嗯", "哦", "小明"); err == nil {
		t.Fatal("want parse error")
	}
}

func TestExtractQueryKeywords_TwoLineOutput(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "东京塔，夜景\n昨天"},
	}
	keywords, timeRef := testExtractor(provider).ExtractQueryKeywords(
		context.Background(), "昨天的东京塔夜景怎么样", "小明")
	if !reflect.DeepEqual(keywords, []string{"东京塔", "夜景"}) {
		t.Errorf("keywords = %v", keywords)
	}
	if timeRef != "昨天" {
		t.Errorf("timeRef = %q", timeRef)
	}

	req := provider.Calls()[0].Req
	if req.Temperature != 0.1 || req.MaxTokens != 50 {
		t.Errorf("params = %g/%d, want 0.1/50", req.Temperature, req.MaxTokens)
	}
}

func TestExtractQueryKeywords_NoTimeRef(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "咖啡\n无"},
	}
	keywords, timeRef := testExtractor(provider).ExtractQueryKeywords(
		context.Background(), "想喝咖啡", "小明")
	if len(keywords) != 1 || keywords[0] != "咖啡" {
		t.Errorf("keywords = %v", keywords)
	}
	if timeRef != "" {
		t.Errorf("timeRef = %q, want empty", timeRef)
	}
}

func TestExtractQueryKeywords_FallsBackOnError(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	keywords, timeRef := testExtractor(provider).ExtractQueryKeywords(
		context.Background(), "昨天的东京塔", "小明")
	if len(keywords) == 0 {
		t.Fatal("heuristic fallback produced no keywords")
	}
	if timeRef != "昨天" {
		t.Errorf("timeRef = %q, want 昨天", timeRef)
	}
}

func TestHeuristicKeywords(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"chinese ngrams minus stopwords", "你知道东京塔在哪里", []string{"你知道东", "京塔在哪"}},
		{"latin tokens", "用一下 Docker 和 Git", []string{"用一下", "Docker", "Git"}},
		{"empty", "嗯", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := HeuristicKeywords(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("HeuristicKeywords(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestHeuristicKeywords_CapsAtFive(t *testing.T) {
	got := HeuristicKeywords("苹果 香蕉 樱桃 葡萄 西瓜 柠檬 芒果")
	if len(got) != 5 {
		t.Fatalf("keywords = %v, want 5", got)
	}
}

func TestHeuristicTimeRef(t *testing.T) {
	if got := HeuristicTimeRef("上次说的那家店"); got != "上次" {
		t.Errorf("got %q", got)
	}
	if got := HeuristicTimeRef("今天天气不错"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestStripJSONFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", "[1,2]"},
		{"object with chatter", "结果如下：{\"a\":1} 完毕", `{"a":1}`},
		{"array with chatter", "列表：[\"x\"]。", `["x"]`},
		{"plain", `{"a":1}`, `{"a":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripJSONFence(tc.in); got != tc.want {
				t.Errorf("stripJSONFence(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
