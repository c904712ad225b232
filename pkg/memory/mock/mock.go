// Package mock provides test doubles for the memory interfaces.
//
// The doubles are scripted: searches return pre-canned hits and every write
// is recorded for inspection. They hold no real storage.
package mock

import (
	"context"
	"sync"

	"github.com/tsukishiro/yukibot/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// VectorStore
// ─────────────────────────────────────────────────────────────────────────────

// PairCall records one AddPair invocation.
type PairCall struct {
	UserID  string
	Query   string
	Reply   string
	GroupID string
	Sender  string
}

// SearchCall records one SearchUser or SearchGroup invocation.
type SearchCall struct {
	// Scope is the user or group id searched.
	Scope string
	Query string
	Opts  memory.SearchOptions
	// Group is true for SearchGroup calls.
	Group bool
}

// VectorStore is a scripted implementation of memory.VectorStore.
type VectorStore struct {
	mu sync.Mutex

	// SearchUserHits is returned by SearchUser.
	SearchUserHits []memory.Hit

	// SearchGroupHits is returned by SearchGroup.
	SearchGroupHits []memory.Hit

	// AddPairErr, if non-nil, is returned by AddPair.
	AddPairErr error

	// SearchErr, if non-nil, is returned by both search methods.
	SearchErr error

	// PairCalls records every AddPair in order.
	PairCalls []PairCall

	// SearchCalls records every search in order.
	SearchCalls []SearchCall
}

var _ memory.VectorStore = (*VectorStore)(nil)

// AddPair records the call and returns AddPairErr.
func (v *VectorStore) AddPair(_ context.Context, userID, query, reply, groupID, sender string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PairCalls = append(v.PairCalls, PairCall{
		UserID: userID, Query: query, Reply: reply, GroupID: groupID, Sender: sender,
	})
	return v.AddPairErr
}

// SearchUser records the call and returns the scripted hits.
func (v *VectorStore) SearchUser(_ context.Context, userID, query string, opts memory.SearchOptions) ([]memory.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.SearchCalls = append(v.SearchCalls, SearchCall{Scope: userID, Query: query, Opts: opts})
	if v.SearchErr != nil {
		return nil, v.SearchErr
	}
	return v.SearchUserHits, nil
}

// SearchGroup records the call and returns the scripted hits.
func (v *VectorStore) SearchGroup(_ context.Context, groupID, query string, opts memory.SearchOptions) ([]memory.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.SearchCalls = append(v.SearchCalls, SearchCall{Scope: groupID, Query: query, Opts: opts, Group: true})
	if v.SearchErr != nil {
		return nil, v.SearchErr
	}
	return v.SearchGroupHits, nil
}

// RebuildUser is a no-op.
func (v *VectorStore) RebuildUser(context.Context, string) error { return nil }

// RebuildGroup is a no-op.
func (v *VectorStore) RebuildGroup(context.Context, string) error { return nil }

// ClearUser is a no-op.
func (v *VectorStore) ClearUser(string) (int, error) { return 0, nil }

// ClearGroup is a no-op.
func (v *VectorStore) ClearGroup(string) (int, error) { return 0, nil }

// UserStats returns zero stats.
func (v *VectorStore) UserStats(string) (memory.ScopeStats, error) {
	return memory.ScopeStats{}, nil
}

// GroupStats returns zero stats.
func (v *VectorStore) GroupStats(string) (memory.ScopeStats, error) {
	return memory.ScopeStats{}, nil
}

// AllStats returns zero stats.
func (v *VectorStore) AllStats() (memory.StoreStats, error) {
	return memory.StoreStats{}, nil
}

// Pairs returns a copy of the recorded AddPair calls.
func (v *VectorStore) Pairs() []PairCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PairCall, len(v.PairCalls))
	copy(out, v.PairCalls)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// KnowledgeBase
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeBase is a scripted implementation of memory.KnowledgeBase.
type KnowledgeBase struct {
	mu sync.Mutex

	// SearchHits is returned by Search.
	SearchHits []memory.KnowledgeHit

	// SearchErr, if non-nil, is returned by Search.
	SearchErr error

	// Ingested accumulates every document passed to Ingest.
	Ingested []memory.KnowledgeDoc

	// SearchQueries records the queries passed to Search.
	SearchQueries []string
}

var _ memory.KnowledgeBase = (*KnowledgeBase)(nil)

// Ingest records the documents.
func (kb *KnowledgeBase) Ingest(_ context.Context, docs []memory.KnowledgeDoc) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.Ingested = append(kb.Ingested, docs...)
	return nil
}

// Search records the query and returns the scripted hits.
func (kb *KnowledgeBase) Search(_ context.Context, query string, k int, threshold float64) ([]memory.KnowledgeHit, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.SearchQueries = append(kb.SearchQueries, query)
	if kb.SearchErr != nil {
		return nil, kb.SearchErr
	}
	if k > 0 && len(kb.SearchHits) > k {
		return kb.SearchHits[:k], nil
	}
	return kb.SearchHits, nil
}

// Count reports the number of ingested documents.
func (kb *KnowledgeBase) Count() (int, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.Ingested), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// KnowledgeGraph
// ─────────────────────────────────────────────────────────────────────────────

// NodeCall records one AddNode invocation.
type NodeCall struct {
	UserID     string
	Entity     string
	EntityType string
	Alias      string
}

// EdgeCall records one AddEdge invocation.
type EdgeCall struct {
	UserID   string
	Source   string
	Target   string
	Relation string
	TimeRef  string
}

// MergeCall records one MergeEntities invocation.
type MergeCall struct {
	UserID     string
	Main       string
	Duplicates []string
}

// KnowledgeGraph is a scripted implementation of memory.KnowledgeGraph.
type KnowledgeGraph struct {
	mu sync.Mutex

	// NeighborEdges is returned by Neighbors.
	NeighborEdges []memory.Edge

	// SearchNodes is returned by SearchEntities and SearchByAlias.
	SearchNodes []memory.Node

	// UserList is returned by Users.
	UserList []memory.GraphUser

	// AddErr, if non-nil, is returned by AddNode and AddEdge.
	AddErr error

	// NodeCalls records every AddNode in order.
	NodeCalls []NodeCall

	// EdgeCalls records every AddEdge in order.
	EdgeCalls []EdgeCall

	// MergeCalls records every MergeEntities in order.
	MergeCalls []MergeCall

	// DeleteCalls records the entity names passed to DeleteEntity.
	DeleteCalls []string
}

var _ memory.KnowledgeGraph = (*KnowledgeGraph)(nil)

// AddNode records the call and returns AddErr.
func (g *KnowledgeGraph) AddNode(_ context.Context, userID, entity, entityType, alias string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.NodeCalls = append(g.NodeCalls, NodeCall{
		UserID: userID, Entity: entity, EntityType: entityType, Alias: alias,
	})
	return g.AddErr
}

// AddEdge records the call and returns AddErr.
func (g *KnowledgeGraph) AddEdge(_ context.Context, userID, source, target, relation, timeRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.EdgeCalls = append(g.EdgeCalls, EdgeCall{
		UserID: userID, Source: source, Target: target, Relation: relation, TimeRef: timeRef,
	})
	return g.AddErr
}

// Neighbors returns the scripted edges.
func (g *KnowledgeGraph) Neighbors(context.Context, string, string, int) ([]memory.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.NeighborEdges, nil
}

// SearchEntities returns the scripted nodes.
func (g *KnowledgeGraph) SearchEntities(context.Context, string, string, int) ([]memory.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.SearchNodes, nil
}

// SearchByAlias returns the scripted nodes.
func (g *KnowledgeGraph) SearchByAlias(context.Context, string, string, int) ([]memory.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.SearchNodes, nil
}

// EdgeCount reports the number of scripted edges.
func (g *KnowledgeGraph) EdgeCount(context.Context, string, string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.NeighborEdges), nil
}

// MergeEntities records the call and reports every duplicate as merged.
func (g *KnowledgeGraph) MergeEntities(_ context.Context, userID, main string, duplicates []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.MergeCalls = append(g.MergeCalls, MergeCall{UserID: userID, Main: main, Duplicates: duplicates})
	return len(duplicates), nil
}

// DeleteEntity records the entity name.
func (g *KnowledgeGraph) DeleteEntity(_ context.Context, _, entity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DeleteCalls = append(g.DeleteCalls, entity)
	return nil
}

// CleanupOrphans is a no-op.
func (g *KnowledgeGraph) CleanupOrphans(context.Context, string) (int, error) { return 0, nil }

// CleanupLowConnection is a no-op.
func (g *KnowledgeGraph) CleanupLowConnection(context.Context, string, int) (int, error) {
	return 0, nil
}

// MergeDuplicates is a no-op.
func (g *KnowledgeGraph) MergeDuplicates(context.Context, string) (int, error) { return 0, nil }

// UserStats returns zero stats.
func (g *KnowledgeGraph) UserStats(context.Context, string) (memory.GraphUserStats, error) {
	return memory.GraphUserStats{}, nil
}

// Stats returns zero stats.
func (g *KnowledgeGraph) Stats(context.Context) (memory.GraphStats, error) {
	return memory.GraphStats{}, nil
}

// Users returns the scripted user list.
func (g *KnowledgeGraph) Users(context.Context) ([]memory.GraphUser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.UserList, nil
}

// GraphData returns an empty dump.
func (g *KnowledgeGraph) GraphData(context.Context, memory.GraphFilter) (memory.GraphDump, error) {
	return memory.GraphDump{}, nil
}

// ClearUser is a no-op.
func (g *KnowledgeGraph) ClearUser(context.Context, string) (int, error) { return 0, nil }

// ClearAll is a no-op.
func (g *KnowledgeGraph) ClearAll(context.Context) (int, error) { return 0, nil }
