package graphmem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

const duplicateSystemPrompt = `你是知识图谱清理专家。分析实体列表，识别重复或相似的实体。

【判断标准】
1. 完全相同的实体（大小写、空格差异）
2. 同一事物的不同称呼（如"东京塔"和"Tokyo Tower"）
3. 包含关系（如"咖啡"和"冰咖啡"，保留更具体的）
4. 明显的拼写变体或简称

【输出格式】JSON数组，每组重复实体一个对象：
[{"main": "保留的实体名", "duplicates": ["要合并的实体名1", "要合并的实体名2"]}]

没有重复时输出空数组 []。只输出JSON，不要解释。`

const uselessSystemPrompt = `你是知识图谱清理专家。分析实体列表，识别没有保留价值的实体。

【判断标准】
1. 孤立实体：没有任何关系连接
2. 无意义词：语气词、代词、单纯的形容词
3. 通用动词被误提取为实体
4. 单字实体（除非是明确的人名）
5. 明显的错误提取（句子片段、标点）
6. 过于泛化的概念（如"东西"、"事情"）
7. 低价值信息（不涉及人物、地点、事件、物品的）

【输出格式】JSON数组，列出应删除的实体名：
["实体1", "实体2"]

没有可删除的实体时输出空数组 []。只输出JSON，不要解释。`

// maxEntitiesPerPass bounds how many entities one cleanup call shows the model.
const maxEntitiesPerPass = 50

// duplicateGroup is one merge instruction from the model.
type duplicateGroup struct {
	Main       string   `json:"main"`
	Duplicates []string `json:"duplicates"`
}

// CleanupStats summarizes one AI cleanup run.
type CleanupStats struct {
	Users   int
	Merged  int
	Deleted int
}

// Cleaner runs the scheduled LLM pass that merges duplicate entities and
// deletes low-value ones.
type Cleaner struct {
	graph    memory.KnowledgeGraph
	provider llm.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCleaner wires a Cleaner over the shared graph store and a cheap model.
func NewCleaner(graph memory.KnowledgeGraph, provider llm.Provider, timeout time.Duration, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Cleaner{
		graph:    graph,
		provider: provider,
		timeout:  timeout,
		logger:   logger.With("component", "graphmem"),
	}
}

// CleanupUser runs both AI passes over one user's subgraph and applies the
// results. Returns how many entities were merged away and deleted.
func (c *Cleaner) CleanupUser(ctx context.Context, userID string) (merged, deleted int, err error) {
	nodes, err := c.graph.SearchEntities(ctx, userID, "", maxEntitiesPerPass)
	if err != nil {
		return 0, 0, fmt.Errorf("graphmem: list entities: %w", err)
	}
	if len(nodes) < 2 {
		return 0, 0, nil
	}

	groups, err := c.identifyDuplicates(ctx, nodes)
	if err != nil {
		c.logger.Warn("duplicate identification failed", "user", userID, "err", err)
	}
	for _, g := range groups {
		if g.Main == "" || len(g.Duplicates) == 0 {
			continue
		}
		n, err := c.graph.MergeEntities(ctx, userID, g.Main, g.Duplicates)
		if err != nil {
			c.logger.Warn("merge failed", "main", g.Main, "err", err)
			continue
		}
		merged += n
	}

	// Re-list after merging so the useless pass sees the merged graph.
	nodes, err = c.graph.SearchEntities(ctx, userID, "", maxEntitiesPerPass)
	if err != nil {
		return merged, 0, fmt.Errorf("graphmem: relist entities: %w", err)
	}

	useless, err := c.identifyUseless(ctx, userID, nodes)
	if err != nil {
		c.logger.Warn("useless identification failed", "user", userID, "err", err)
	}
	for _, name := range useless {
		if name == "" {
			continue
		}
		if err := c.graph.DeleteEntity(ctx, userID, name); err != nil {
			c.logger.Warn("delete failed", "entity", name, "err", err)
			continue
		}
		deleted++
	}

	if merged > 0 || deleted > 0 {
		c.logger.Info("graph cleanup applied", "user", userID, "merged", merged, "deleted", deleted)
	}
	return merged, deleted, nil
}

// CleanupAll runs CleanupUser for the userLimit largest subgraphs.
func (c *Cleaner) CleanupAll(ctx context.Context, userLimit int) (CleanupStats, error) {
	if userLimit <= 0 {
		userLimit = 10
	}
	users, err := c.graph.Users(ctx)
	if err != nil {
		return CleanupStats{}, fmt.Errorf("graphmem: list users: %w", err)
	}
	if len(users) > userLimit {
		users = users[:userLimit]
	}

	var stats CleanupStats
	for _, u := range users {
		merged, deleted, err := c.CleanupUser(ctx, u.UserID)
		if err != nil {
			c.logger.Warn("user cleanup failed", "user", u.UserID, "err", err)
			continue
		}
		stats.Users++
		stats.Merged += merged
		stats.Deleted += deleted
	}
	return stats, nil
}

func (c *Cleaner) identifyDuplicates(ctx context.Context, nodes []memory.Node) ([]duplicateGroup, error) {
	var b strings.Builder
	for i, n := range nodes {
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, n.Entity, n.EntityType)
		if len(n.Aliases) > 0 {
			fmt.Fprintf(&b, " (别名: %s)", strings.Join(n.Aliases, "、"))
		}
		b.WriteByte('\n')
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.provider.Complete(cctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.User("【实体列表】\n" + b.String() + "\n请识别重复实体（JSON格式）："),
		},
		SystemPrompt: duplicateSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    1000,
	})
	if err != nil {
		return nil, fmt.Errorf("graphmem: identify duplicates: %w", err)
	}

	var groups []duplicateGroup
	if err := json.Unmarshal([]byte(stripJSONFence(resp.Content)), &groups); err != nil {
		return nil, fmt.Errorf("graphmem: parse duplicate groups: %w", err)
	}
	return groups, nil
}

func (c *Cleaner) identifyUseless(ctx context.Context, userID string, nodes []memory.Node) ([]string, error) {
	var b strings.Builder
	for i, n := range nodes {
		count, err := c.graph.EdgeCount(ctx, userID, n.Entity)
		if err != nil {
			count = -1
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, n.Entity, n.EntityType)
		switch {
		case count == 0:
			b.WriteString(" [孤立]")
		case count > 0:
			fmt.Fprintf(&b, " [%d条关系]", count)
		}
		b.WriteByte('\n')
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.provider.Complete(cctx, llm.CompletionRequest{
		Messages: []llm.Message{
			llm.User("【实体列表】\n" + b.String() + "\n请识别无价值实体（JSON格式）："),
		},
		SystemPrompt: uselessSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, fmt.Errorf("graphmem: identify useless: %w", err)
	}

	var names []string
	if err := json.Unmarshal([]byte(stripJSONFence(resp.Content)), &names); err != nil {
		return nil, fmt.Errorf("graphmem: parse useless list: %w", err)
	}
	return names, nil
}
