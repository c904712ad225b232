package memory

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RolePair marks a record holding one stored (query, reply) turn.
// RoleSummary marks a record produced by memory GC compaction.
const (
	RolePair    = "Pair"
	RoleSummary = "summary"
)

// PairContent composes the canonical stored text for one turn.
func PairContent(query, reply string) string {
	return "User问: " + query + "\nBot答: " + reply
}

// Hit is one vector-search result from a conversation store.
type Hit struct {
	// ID is the SQLite row id within its table.
	ID int64

	// Role is RolePair or RoleSummary.
	Role string

	// Content is the stored text (PairContent format for pairs).
	Content string

	// Sender is the display name recorded for group turns; empty for
	// private turns.
	Sender string

	// Timestamp is the insertion time of the record.
	Timestamp time.Time

	// Similarity is the raw cosine similarity against the query.
	Similarity float64

	// Score is the time-weighted ranking score:
	// Similarity * (1 + 0.3*exp(-age/7d)).
	Score float64
}

// KnowledgeHit is one search result from the global knowledge base.
type KnowledgeHit struct {
	ID         int64
	Title      string
	Content    string
	Category   string
	Similarity float64
}

// ScopeStats reports the size of one user or group store.
type ScopeStats struct {
	// PrivateRows counts rows in private_memories (user scope) or
	// member_memories (group scope).
	PrivateRows int

	// GroupRows counts rows in group_memories for a user scope; always zero
	// for group scopes.
	GroupRows int

	// Vectors counts entries in the scope's index. May exceed the row count
	// after GC deletes rows without a rebuild.
	Vectors int
}

// StoreStats aggregates counts across every store on disk.
type StoreStats struct {
	Users      int
	Groups     int
	TotalRows  int
	TotalBytes int64
}

// Node is one knowledge-graph entity.
type Node struct {
	ID         int64
	UserID     string
	Entity     string
	EntityType string
	Aliases    []string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edge is one knowledge-graph relation, annotated with the traversal depth
// when returned by Neighbors.
type Edge struct {
	ID        int64
	UserID    string
	Source    string
	Target    string
	Relation  string
	Weight    float64
	TimeRef   string
	Timestamp time.Time
	Depth     int
}

// GraphUserStats reports one user's subgraph size.
type GraphUserStats struct {
	Nodes int
	Edges int
}

// GraphStats reports global graph counts.
type GraphStats struct {
	TotalNodes  int
	TotalEdges  int
	TotalUsers  int
	EntityTypes int
}

// GraphUser pairs a user id with its node count.
type GraphUser struct {
	UserID    string
	NodeCount int
}

// GraphFilter narrows a GraphData dump.
type GraphFilter struct {
	UserID     string
	EntityType string
	Search     string
}

// GraphDump holds nodes and the edges between them for visualization.
type GraphDump struct {
	Nodes []Node
	Edges []Edge
}

// recencyHalf controls the time-weighting window: a hit loses most of its
// freshness bonus after about a week.
const recencyHalf = 7 * 24 * time.Hour

// TimeWeightedScore boosts recent hits:
// similarity * (1 + 0.3*exp(-age/7d)).
func TimeWeightedScore(similarity float64, timestamp, now time.Time) float64 {
	age := now.Sub(timestamp)
	if age < 0 {
		age = 0
	}
	return similarity * (1 + 0.3*math.Exp(-age.Seconds()/recencyHalf.Seconds()))
}

// FormatBlock renders hits as the memory block handed to the organizer
// prompt, one "- [MM-DD HH:MM] [sender] [role] content" line per hit,
// stopping before the block exceeds maxChars. maxChars <= 0 means no limit.
func FormatBlock(hits []Hit, maxChars int) string {
	var b strings.Builder
	for _, h := range hits {
		line := formatLine(h)
		if maxChars > 0 && b.Len() > 0 && b.Len()+len(line)+1 > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

func formatLine(h Hit) string {
	ts := h.Timestamp.Format("01-02 15:04")
	if h.Sender != "" {
		return fmt.Sprintf("- [%s] [%s] [%s] %s", ts, h.Sender, h.Role, h.Content)
	}
	return fmt.Sprintf("- [%s] [%s] %s", ts, h.Role, h.Content)
}
