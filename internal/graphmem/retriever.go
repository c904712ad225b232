package graphmem

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/pkg/memory"
)

const (
	maxQueryKeywords = 3
	maxSeedEntities  = 5
	maxNeighborDepth = 2
	maxEdgesPerSeed  = 5
	maxFacts         = 8
)

// timeRanges maps a time reference onto the edge-timestamp window it selects.
// min/max are ages relative to now; a zero max means unbounded on that side.
var timeRanges = map[string]struct{ min, max time.Duration }{
	"刚才": {0, time.Hour},
	"刚刚": {0, time.Hour},
	"最近": {0, 7 * 24 * time.Hour},
	"昨天": {24 * time.Hour, 48 * time.Hour},
	"前天": {48 * time.Hour, 72 * time.Hour},
	"上次": {0, 30 * 24 * time.Hour},
	"之前": {0, 30 * 24 * time.Hour},
}

// Retriever answers "what do I know about this" against one user's subgraph.
type Retriever struct {
	graph     memory.KnowledgeGraph
	extractor *Extractor
	logger    *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewRetriever wires a Retriever over the shared graph store.
func NewRetriever(graph memory.KnowledgeGraph, extractor *Extractor, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		graph:     graph,
		extractor: extractor,
		logger:    logger.With("component", "graphmem"),
		now:       time.Now,
	}
}

// Retrieve extracts keywords from query, walks the user's subgraph around the
// matching entities, and renders the surviving relations as one "、"-joined
// clause. Returns "" when nothing relevant is stored; never fails the caller.
func (r *Retriever) Retrieve(ctx context.Context, userID, query, userName string) string {
	keywords, timeRef := r.extractor.ExtractQueryKeywords(ctx, query, userName)
	if len(keywords) == 0 {
		return ""
	}
	if len(keywords) > maxQueryKeywords {
		keywords = keywords[:maxQueryKeywords]
	}

	var (
		seeds []string
		seen  = map[string]bool{}
	)
	add := func(nodes []memory.Node) {
		for _, n := range nodes {
			if !seen[n.Entity] {
				seeds = append(seeds, n.Entity)
				seen[n.Entity] = true
			}
		}
	}
	for _, kw := range keywords {
		if nodes, err := r.graph.SearchEntities(ctx, userID, kw, 3); err == nil {
			add(nodes)
		}
		if nodes, err := r.graph.SearchByAlias(ctx, userID, kw, 5); err == nil {
			add(nodes)
		}
	}
	if len(seeds) == 0 {
		return ""
	}
	if len(seeds) > maxSeedEntities {
		seeds = seeds[:maxSeedEntities]
	}

	var (
		facts  []string
		dedupe = map[string]bool{}
	)
	for _, entity := range seeds {
		edges, err := r.graph.Neighbors(ctx, userID, entity, maxNeighborDepth)
		if err != nil {
			r.logger.Warn("neighbor walk failed", "entity", entity, "err", err)
			continue
		}
		edges = filterByTime(edges, timeRef, r.now())
		if len(edges) > maxEdgesPerSeed {
			edges = edges[:maxEdgesPerSeed]
		}
		for _, e := range edges {
			key := e.Source + "-" + e.Relation + "-" + e.Target
			if dedupe[key] {
				continue
			}
			dedupe[key] = true
			facts = append(facts, e.TimeRef+e.Source+e.Relation+e.Target)
		}
	}
	if len(facts) == 0 {
		return ""
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	return strings.Join(facts, "、")
}

// AddDialogue extracts entities and relations from one finished turn and
// writes them into the user's subgraph. Meant to run in the background after
// the reply is sent; errors are logged, not returned.
func (r *Retriever) AddDialogue(ctx context.Context, userID, userMessage, botReply, userName string) {
	ext, err := r.extractor.ExtractDialogue(ctx, userMessage, botReply, userName)
	if err != nil {
		r.logger.Warn("dialogue extraction failed", "user", userID, "err", err)
		return
	}

	for _, ent := range ext.Entities {
		if ent.Name == "" {
			continue
		}
		if err := r.graph.AddNode(ctx, userID, ent.Name, ent.Type, ent.Alias); err != nil {
			r.logger.Warn("add node failed", "entity", ent.Name, "err", err)
		}
	}
	for _, rel := range ext.Relations {
		if rel.Source == "" || rel.Target == "" || rel.Relation == "" {
			continue
		}
		timeRef := rel.TimeRef
		if timeRef == "" {
			timeRef = ext.TimeContext
		}
		if err := r.graph.AddEdge(ctx, userID, rel.Source, rel.Target, rel.Relation, timeRef); err != nil {
			r.logger.Warn("add edge failed", "source", rel.Source, "target", rel.Target, "err", err)
		}
	}
	if len(ext.Entities) > 0 || len(ext.Relations) > 0 {
		r.logger.Debug("graph updated",
			"user", userID, "entities", len(ext.Entities), "relations", len(ext.Relations))
	}
}

// filterByTime narrows edges to the window named by timeRef and sorts the
// survivors newest first. Edges without timestamps pass through untouched;
// an unrecognized reference applies no filter; an empty result after
// filtering falls back to the five most recent timestamped edges.
func filterByTime(edges []memory.Edge, timeRef string, now time.Time) []memory.Edge {
	if timeRef == "" {
		return edges
	}
	rng, ok := timeRanges[timeRef]
	if !ok {
		return edges
	}

	timestamped := false
	for _, e := range edges {
		if !e.Timestamp.IsZero() {
			timestamped = true
			break
		}
	}
	if !timestamped {
		return edges
	}

	var kept []memory.Edge
	for _, e := range edges {
		if e.Timestamp.IsZero() {
			continue
		}
		age := now.Sub(e.Timestamp)
		if age < rng.min {
			continue
		}
		if rng.max > 0 && age >= rng.max {
			continue
		}
		kept = append(kept, e)
	}

	if len(kept) == 0 {
		kept = make([]memory.Edge, 0, len(edges))
		for _, e := range edges {
			if !e.Timestamp.IsZero() {
				kept = append(kept, e)
			}
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp.After(kept[j].Timestamp) })
		if len(kept) > 5 {
			kept = kept[:5]
		}
		return kept
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp.After(kept[j].Timestamp) })
	return kept
}
