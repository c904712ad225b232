package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/pkg/memory"
)

// memoryBlockChars caps the formatted long-term memory handed to the
// organizer.
const memoryBlockChars = 500

// trivialQueries never reach the vector store or the graph; a bare greeting
// has no retrievable context.
var trivialQueries = map[string]bool{
	"嗯": true, "哦": true, "好": true, "啊": true, "呢": true,
	"吧": true, "了": true, "在吗": true, "在不": true, "你好": true,
}

// skipRetrieval reports whether query is too slight to retrieve against.
func skipRetrieval(query string) bool {
	query = strings.TrimSpace(query)
	return utf8.RuneCountInString(query) < 4 || trivialQueries[query]
}

// retrieved carries the results of the pre-generation retrieval fan-out.
type retrieved struct {
	// kbRaw is the formatted knowledge-base hits, "" when none.
	kbRaw string

	// longMem is the formatted conversation-memory block merged with graph
	// facts, "" when none.
	longMem string

	// temperature is the affection-adjusted generator temperature.
	temperature float64
}

// retrieve runs knowledge-base search, conversation-memory search, graph
// retrieval, and the affection temperature lookup concurrently. Individual
// failures degrade to empty results; the turn never aborts here.
func (o *Orchestrator) retrieve(ctx context.Context, cfg *config.Config, t Turn, text string) retrieved {
	out := retrieved{temperature: cfg.Models.Generator.Temperature}
	skip := skipRetrieval(text)

	g, gctx := errgroup.WithContext(ctx)
	var vectorMem, graphMem string

	g.Go(func() error {
		hits, err := o.deps.KB.Search(gctx, text, cfg.Bot.Storage.RetrieveCount, cfg.Bot.Storage.KBSimilarityThreshold)
		if err != nil {
			o.logger.Warn("knowledge search failed", "err", err)
			return nil
		}
		out.kbRaw = formatKnowledgeHits(hits)
		return nil
	})

	if !skip && cfg.Bot.Storage.EnableVectorMemory && t.UserID != "" {
		g.Go(func() error {
			opts := memory.SearchOptions{
				K:          cfg.Bot.Storage.RetrieveCount,
				Threshold:  cfg.Bot.Storage.SimilarityThreshold,
				MaxChars:   memoryBlockChars,
				CrossScope: cfg.Bot.Storage.CrossScene,
			}
			var (
				hits []memory.Hit
				err  error
			)
			if t.GroupID != "" {
				hits, err = o.deps.Vectors.SearchGroup(gctx, t.GroupID, text, opts)
			} else {
				hits, err = o.deps.Vectors.SearchUser(gctx, t.UserID, text, opts)
			}
			if err != nil {
				o.logger.Warn("memory search failed", "scene", t.SceneKey(), "err", err)
				return nil
			}
			vectorMem = memory.FormatBlock(hits, memoryBlockChars)
			return nil
		})
	}

	if !skip && o.deps.Graph != nil && t.UserID != "" {
		g.Go(func() error {
			graphMem = o.deps.Graph.Retrieve(gctx, t.UserID, text, t.UserName)
			return nil
		})
	}

	if o.deps.Affection != nil && t.UserID != "" {
		g.Go(func() error {
			temp, err := o.deps.Affection.TemperatureFor(gctx, t.UserID, cfg.Models.Generator.Temperature)
			if err != nil {
				o.logger.Warn("affection temperature lookup failed", "user", t.UserID, "err", err)
				return nil
			}
			out.temperature = temp
			return nil
		})
	}

	_ = g.Wait()

	out.longMem = mergeMemorySources(vectorMem, graphMem)
	return out
}

// mergeMemorySources appends graph facts to the vector-memory block under a
// 【相关事实】 marker.
func mergeMemorySources(vectorMem, graphMem string) string {
	switch {
	case graphMem == "":
		return vectorMem
	case vectorMem == "":
		return "【相关事实】" + graphMem
	default:
		return vectorMem + "\n\n【相关事实】" + graphMem
	}
}

// formatKnowledgeHits renders knowledge-base hits as a numbered list for the
// kb-organizer stage.
func formatKnowledgeHits(hits []memory.KnowledgeHit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		if h.Title != "" {
			fmt.Fprintf(&b, "%d. %s：%s", i+1, h.Title, h.Content)
		} else {
			fmt.Fprintf(&b, "%d. %s", i+1, h.Content)
		}
	}
	return b.String()
}
