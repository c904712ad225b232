package memgc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/pkg/memory/sqlite"
	embmock "github.com/tsukishiro/yukibot/pkg/provider/embeddings/mock"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
	llmmock "github.com/tsukishiro/yukibot/pkg/provider/llm/mock"
)

func flatEmbedder() *embmock.Provider {
	return &embmock.Provider{
		DimensionsValue: 4,
		ModelIDValue:    "test-embed",
		EmbedResult:     []float32{0.5, 0.5, 0.5, 0.5},
	}
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir(), flatEmbedder())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func gcConfig(hardLimit int, deleteFrac float64, sumLimit int, sumFrac float64, batch int) func() *config.Config {
	cfg := &config.Config{}
	cfg.Bot.Storage.GC = config.GCConfig{
		HardLimit:         hardLimit,
		DeleteFraction:    deleteFrac,
		SummarizeLimit:    sumLimit,
		SummarizeFraction: sumFrac,
		BatchSize:         batch,
		MaxSummaryChars:   100,
	}
	return func() *config.Config { return cfg }
}

func addPairs(t *testing.T, s *sqlite.Store, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		q := fmt.Sprintf("第%d个问题", i)
		if err := s.AddPair(ctx, userID, q, "好的", "", ""); err != nil {
			t.Fatalf("AddPair: %v", err)
		}
	}
}

func userRows(t *testing.T, s *sqlite.Store, userID string) int {
	t.Helper()
	st, err := s.UserStats(userID)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	return st.PrivateRows + st.GroupRows
}

func TestCollectUser_UnderLimitsIsNoOp(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 3)
	provider := &llmmock.Provider{}
	c := New(store, provider, gcConfig(10, 0.2, 6, 0.5, 3), nil)

	res := c.CollectUser(context.Background(), "u1")
	if res.Err != nil {
		t.Fatalf("CollectUser: %v", res.Err)
	}
	if res.Before != 3 || res.After != 3 || res.Deleted != 0 || res.Compacted != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(provider.Calls()) != 0 {
		t.Errorf("no model call expected below the limits")
	}
}

func TestCollectUser_HardLimitDeletesOldest(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 8)
	provider := &llmmock.Provider{}
	// Summarize limit above the post-delete count keeps phase two out.
	c := New(store, provider, gcConfig(5, 0.25, 100, 0.5, 3), nil)

	res := c.CollectUser(context.Background(), "u1")
	if res.Err != nil {
		t.Fatalf("CollectUser: %v", res.Err)
	}
	// ceil(8 * 0.25) = 2 oldest rows dropped.
	if res.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", res.Deleted)
	}
	if res.After != 6 {
		t.Errorf("after = %d, want 6", res.After)
	}
	if got := userRows(t, store, "u1"); got != 6 {
		t.Errorf("store rows = %d, want 6", got)
	}
	if len(provider.Calls()) != 0 {
		t.Errorf("summarization should not have run")
	}
	// The two oldest rows are the ones gone.
	ctx := context.Background()
	rows, err := store.OldestUserRows(ctx, "u1", 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("OldestUserRows: %v (%d rows)", err, len(rows))
	}
	if !strings.Contains(rows[0].Content, "第2个问题") {
		t.Errorf("oldest surviving row = %q, want the third pair", rows[0].Content)
	}
}

func TestCollectUser_SummarizeCompacts(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 6)
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "用户接连提问，语气平静。"},
	}
	c := New(store, provider, gcConfig(100, 0.2, 4, 0.5, 2), nil)

	res := c.CollectUser(context.Background(), "u1")
	if res.Err != nil {
		t.Fatalf("CollectUser: %v", res.Err)
	}
	// ceil(6 * 0.5) = 3 rows in batches of 2 -> two summaries.
	if res.Compacted != 3 || res.Summaries != 2 {
		t.Errorf("compacted = %d summaries = %d, want 3 and 2", res.Compacted, res.Summaries)
	}
	if res.After != 5 {
		t.Errorf("after = %d, want 5 (6 - 3 + 2)", res.After)
	}

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	first := calls[0].Req
	if first.Temperature != 0.3 || first.MaxTokens != 600 {
		t.Errorf("params = (%.1f, %d), want (0.3, 600)", first.Temperature, first.MaxTokens)
	}
	prompt := first.Messages[0].Content
	if !strings.Contains(prompt, "不超过100字") {
		t.Errorf("prompt missing the length cap: %q", prompt)
	}
	if !strings.Contains(prompt, "\n---\n") {
		t.Errorf("prompt should join the batch with separators: %q", prompt)
	}
	if !strings.Contains(prompt, "第0个问题") || strings.Contains(prompt, "第3个问题") {
		t.Errorf("prompt should cover only the oldest slice: %q", prompt)
	}
}

func TestCollectUser_SummarizeFailureKeepsRows(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 6)
	provider := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	c := New(store, provider, gcConfig(100, 0.2, 4, 0.5, 2), nil)

	res := c.CollectUser(context.Background(), "u1")
	if res.Err != nil {
		t.Fatalf("CollectUser: %v", res.Err)
	}
	if res.Compacted != 0 || res.Summaries != 0 {
		t.Errorf("nothing should be compacted on model failure: %+v", res)
	}
	if got := userRows(t, store, "u1"); got != 6 {
		t.Errorf("store rows = %d, want all 6 kept", got)
	}
}

func TestCollectUser_CustomSummaryPrompt(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 6)
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "摘要"},
	}
	cfgFn := gcConfig(100, 0.2, 4, 0.5, 10)
	cfgFn().Role.PromptTemplate.MemorySummaryPrompt = "压缩成不超过{max_chars}字的笔记：\n{memories}"
	c := New(store, provider, cfgFn, nil)

	c.CollectUser(context.Background(), "u1")

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(calls))
	}
	prompt := calls[0].Req.Messages[0].Content
	if !strings.HasPrefix(prompt, "压缩成不超过100字的笔记：\n") {
		t.Errorf("custom template not expanded: %q", prompt)
	}
}

func TestCollectAll_SweepsUsersAndGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addPairs(t, store, "u1", 2)
	if err := store.AddPair(ctx, "u2", "群里聊聊", "好啊", "g1", "小明"); err != nil {
		t.Fatalf("AddPair: %v", err)
	}
	provider := &llmmock.Provider{}
	c := New(store, provider, gcConfig(100, 0.2, 100, 0.5, 3), nil, WithScopePause(0))

	results := c.CollectAll(ctx)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 2 users + 1 group", len(results))
	}
	var groups int
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("scope %s: %v", r.Scope, r.Err)
		}
		if r.Group {
			groups++
			if r.Scope != "g1" {
				t.Errorf("group scope = %q, want g1", r.Scope)
			}
		}
	}
	if groups != 1 {
		t.Errorf("group results = %d, want 1", groups)
	}
}

func TestCollectAll_StopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	addPairs(t, store, "u1", 1)
	addPairs(t, store, "u2", 1)
	provider := &llmmock.Provider{}
	c := New(store, provider, gcConfig(100, 0.2, 100, 0.5, 3), nil, WithScopePause(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := c.CollectAll(ctx)
	if len(results) != 1 {
		t.Errorf("results = %d, want the sweep to stop after one scope", len(results))
	}
}

func TestSummaryPrompt_Default(t *testing.T) {
	got := summaryPrompt("", 500, "User问: 你好\nBot答: 嗯")
	if !strings.Contains(got, "不超过500字") {
		t.Errorf("default prompt missing cap: %q", got)
	}
	if !strings.Contains(got, "User问: 你好") {
		t.Errorf("default prompt missing memories: %q", got)
	}
}
