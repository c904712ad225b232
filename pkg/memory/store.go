// Package memory defines the interfaces of the long-term memory substrate:
// the dual-scope conversation vector store, the global knowledge base, and
// the per-user knowledge graph.
//
// The memory substrate is split across three stores with different ownership:
//
//   - VectorStore: one database triplet per user (private turns plus shadow
//     copies of that user's group turns) and one per group (all members'
//     turns). Backed by SQLite metadata plus a flat inner-product index.
//   - KnowledgeBase: a single global store of curated documents, immutable
//     after ingest.
//   - KnowledgeGraph: per-user entity/relation subgraphs in one SQLite file.
//
// Implementations must be safe for concurrent use.
package memory

import "context"

// ─────────────────────────────────────────────────────────────────────────────
// Conversation vector store
// ─────────────────────────────────────────────────────────────────────────────

// VectorStore persists one record per conversation turn and retrieves the
// most relevant past turns by embedding similarity.
type VectorStore interface {
	// AddPair stores one (query, reply) turn for userID. When groupID is
	// empty the turn is private: one row in the user's private table plus one
	// vector in the user's index. When groupID is set the turn fans out to
	// the user's group-shadow table (with a discriminated id-map entry in the
	// user's index) and to the group's member table and index, tagged with
	// the sender display name.
	AddPair(ctx context.Context, userID, query, reply, groupID, sender string) error

	// SearchUser returns the best-matching turns from userID's store.
	// With opts.CrossScope false, group-shadow entries are skipped so a
	// private conversation never surfaces group content.
	SearchUser(ctx context.Context, userID, query string, opts SearchOptions) ([]Hit, error)

	// SearchGroup returns the best-matching turns from the group's store.
	SearchGroup(ctx context.Context, groupID, query string, opts SearchOptions) ([]Hit, error)

	// RebuildUser re-embeds every row of userID's store in insertion order
	// and rewrites the index and id-map files. Used after GC deletes rows.
	RebuildUser(ctx context.Context, userID string) error

	// RebuildGroup is RebuildUser for a group store.
	RebuildGroup(ctx context.Context, groupID string) error

	// ClearUser deletes userID's database, index, and id-map files.
	// Returns the number of rows removed.
	ClearUser(userID string) (int, error)

	// ClearGroup deletes a group's database, index, and id-map files.
	ClearGroup(groupID string) (int, error)

	// UserStats reports row and vector counts for one user's store.
	UserStats(userID string) (ScopeStats, error)

	// GroupStats reports row and vector counts for one group's store.
	GroupStats(groupID string) (ScopeStats, error)

	// AllStats aggregates counts across every user and group store on disk.
	AllStats() (StoreStats, error)
}

// SearchOptions tunes a vector search.
type SearchOptions struct {
	// K is the number of hits to return after re-ranking. The store fetches
	// K+5 nearest neighbors before threshold filtering.
	K int

	// Threshold drops hits whose raw cosine similarity falls below it.
	Threshold float64

	// MaxChars caps the formatted output block; FormatBlock stops packing
	// hits once the budget is reached.
	MaxChars int

	// CrossScope widens a private search to include the user's group-shadow
	// entries. Ignored for group searches.
	CrossScope bool
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge base
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeDoc is one curated document for the global knowledge base.
type KnowledgeDoc struct {
	Source   string
	Title    string
	Content  string
	Category string
}

// KnowledgeBase is the single global store of reference documents.
type KnowledgeBase interface {
	// Ingest embeds and stores docs. Documents are immutable after ingest.
	Ingest(ctx context.Context, docs []KnowledgeDoc) error

	// Search returns up to k documents above the similarity threshold,
	// best first.
	Search(ctx context.Context, query string, k int, threshold float64) ([]KnowledgeHit, error)

	// Count reports the number of ingested documents.
	Count() (int, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge graph
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeGraph stores per-user entity/relation subgraphs.
//
// Nodes are unique per (user, entity) and carry an aliases list in their
// properties; adding an existing node merges the new alias in. Edges are
// unique per (user, source, target, relation); adding an existing edge
// increments its weight by 0.1.
type KnowledgeGraph interface {
	// AddNode inserts or updates a node. alias, when non-empty, is appended
	// to the node's aliases property.
	AddNode(ctx context.Context, userID, entity, entityType, alias string) error

	// AddEdge inserts or updates an edge. timeRef, when non-empty, is stored
	// in the edge properties together with the insertion timestamp.
	AddEdge(ctx context.Context, userID, source, target, relation, timeRef string) error

	// Neighbors walks outgoing edges from entity up to maxDepth hops,
	// 10 edges per node ordered by weight descending, memoized against
	// revisits.
	Neighbors(ctx context.Context, userID, entity string, maxDepth int) ([]Edge, error)

	// SearchEntities finds nodes whose entity name LIKE-matches keyword,
	// most recently updated first. An empty keyword lists all nodes.
	SearchEntities(ctx context.Context, userID, keyword string, limit int) ([]Node, error)

	// SearchByAlias finds nodes carrying alias in their aliases property.
	SearchByAlias(ctx context.Context, userID, alias string, limit int) ([]Node, error)

	// EdgeCount reports how many edges touch entity in either direction.
	EdgeCount(ctx context.Context, userID, entity string) (int, error)

	// MergeEntities folds each duplicate into main: aliases are unioned,
	// incident edges are redirected, self-loops dropped, duplicates deleted.
	// Returns the number of entities merged.
	MergeEntities(ctx context.Context, userID, main string, duplicates []string) (int, error)

	// DeleteEntity removes a node and every edge touching it.
	DeleteEntity(ctx context.Context, userID, entity string) error

	// CleanupOrphans deletes nodes with no incident edges. An empty userID
	// sweeps all users. Returns the number of nodes removed.
	CleanupOrphans(ctx context.Context, userID string) (int, error)

	// CleanupLowConnection deletes nodes with 1..threshold incident edges,
	// together with those edges. An empty userID sweeps all users.
	CleanupLowConnection(ctx context.Context, userID string, threshold int) (int, error)

	// MergeDuplicates merges heuristically duplicate entities: equal names
	// modulo case, mutual aliases, or Levenshtein distance ≤1 for short
	// names. An empty userID sweeps all users. Returns the merge count.
	MergeDuplicates(ctx context.Context, userID string) (int, error)

	// UserStats reports node and edge counts for one user.
	UserStats(ctx context.Context, userID string) (GraphUserStats, error)

	// Stats reports global node, edge, user, and entity-type counts.
	Stats(ctx context.Context) (GraphStats, error)

	// Users lists all user ids with nodes, ordered by node count descending.
	Users(ctx context.Context) ([]GraphUser, error)

	// GraphData returns nodes and the edges between them for visualization,
	// optionally filtered by user, entity type, and a name search.
	GraphData(ctx context.Context, filter GraphFilter) (GraphDump, error)

	// ClearUser deletes one user's entire subgraph. Returns the node count
	// removed.
	ClearUser(ctx context.Context, userID string) (int, error)

	// ClearAll deletes every subgraph. Returns the node count removed.
	ClearAll(ctx context.Context) (int, error)
}
