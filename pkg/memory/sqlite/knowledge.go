package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/memory/vecindex"
	"github.com/tsukishiro/yukibot/pkg/provider/embeddings"
)

// Ensure KB implements the memory.KnowledgeBase interface.
var _ memory.KnowledgeBase = (*KB)(nil)

// KB is the single global knowledge base: curated documents in knowledge.db
// with their vectors in knowledge.faiss.
type KB struct {
	mu sync.Mutex

	db       *sql.DB
	idx      *vecindex.Flat
	ids      *vecindex.IDMap
	idxPath  string
	mapPath  string
	embedder embeddings.Provider
	logger   *slog.Logger
}

const kbSchema = `
CREATE TABLE IF NOT EXISTS knowledge (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	content TEXT NOT NULL,
	title TEXT,
	category TEXT
);
CREATE INDEX IF NOT EXISTS idx_source ON knowledge(source);
`

// NewKB opens (or creates) the knowledge base under dataDir.
func NewKB(dataDir string, embedder embeddings.Provider, logger *slog.Logger) (*KB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := filepath.Join(dataDir, "knowledge.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("knowledge base: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(kbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge base: init schema: %w", err)
	}

	idxPath := filepath.Join(dataDir, "knowledge.faiss")
	mapPath := filepath.Join(dataDir, "kb_id_map.pkl")

	idx, err := vecindex.Load(idxPath, embedder.Dimensions())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge base: %w", err)
	}
	ids, err := vecindex.LoadIDMap(mapPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge base: %w", err)
	}

	return &KB{
		db:       db,
		idx:      idx,
		ids:      ids,
		idxPath:  idxPath,
		mapPath:  mapPath,
		embedder: embedder,
		logger:   logger.With("component", "knowledgebase"),
	}, nil
}

// Close closes the underlying database.
func (kb *KB) Close() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.db.Close()
}

// Ingest implements memory.KnowledgeBase.
func (kb *KB) Ingest(ctx context.Context, docs []memory.KnowledgeDoc) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Title + "\n" + d.Content
	}
	vecs, err := kb.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("knowledge base: embed batch: %w", err)
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, d := range docs {
		res, err := kb.db.ExecContext(ctx, `
			INSERT INTO knowledge (source, content, title, category)
			VALUES (?, ?, ?, ?)`,
			d.Source, d.Content, d.Title, d.Category)
		if err != nil {
			return fmt.Errorf("knowledge base: insert %q: %w", d.Title, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("knowledge base: insert %q: %w", d.Title, err)
		}
		if err := kb.idx.Add(vecs[i]); err != nil {
			return fmt.Errorf("knowledge base: index %q: %w", d.Title, err)
		}
		kb.ids.Append(vecindex.IDEntry{ID: id})
	}

	if err := kb.idx.Save(kb.idxPath); err != nil {
		return fmt.Errorf("knowledge base: %w", err)
	}
	if err := kb.ids.Save(kb.mapPath); err != nil {
		return fmt.Errorf("knowledge base: %w", err)
	}
	kb.logger.Info("ingested documents", "count", len(docs), "total", kb.idx.Len())
	return nil
}

// Search implements memory.KnowledgeBase.
func (kb *KB) Search(ctx context.Context, query string, k int, threshold float64) ([]memory.KnowledgeHit, error) {
	vec, err := kb.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge base: embed query: %w", err)
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	results, err := kb.idx.Search(vec, k+extraFetch)
	if err != nil {
		return nil, fmt.Errorf("knowledge base: search: %w", err)
	}

	var hits []memory.KnowledgeHit
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		entry, ok := kb.ids.At(r.Pos)
		if !ok {
			continue
		}

		var (
			title, content, category sql.NullString
		)
		err := kb.db.QueryRowContext(ctx,
			"SELECT title, content, category FROM knowledge WHERE id = ?", entry.ID,
		).Scan(&title, &content, &category)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("knowledge base: load doc %d: %w", entry.ID, err)
		}

		hits = append(hits, memory.KnowledgeHit{
			ID:         entry.ID,
			Title:      title.String,
			Content:    content.String,
			Category:   category.String,
			Similarity: r.Score,
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Count implements memory.KnowledgeBase.
func (kb *KB) Count() (int, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	var n int
	if err := kb.db.QueryRow("SELECT COUNT(*) FROM knowledge").Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge base: count: %w", err)
	}
	return n, nil
}
