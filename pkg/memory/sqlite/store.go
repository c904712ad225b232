// Package sqlite implements the memory interfaces over per-entity SQLite
// databases paired with flat vector index files.
//
// On-disk layout under the data directory:
//
//	private/{user}.db           private_memories + group_memories tables
//	private/{user}.faiss        the user's vector index
//	private/{user}_id_map.pkl   index position -> row mapping
//	groups/{group}.db           member_memories table
//	groups/{group}.faiss
//	groups/{group}_id_map.pkl
//	knowledge.db / knowledge.faiss / kb_id_map.pkl
//	knowledge_graph.db
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/memory/vecindex"
	"github.com/tsukishiro/yukibot/pkg/provider/embeddings"
)

// extraFetch is how many neighbors beyond K are pulled before threshold
// filtering, so borderline hits dropped by the threshold do not starve the
// result set.
const extraFetch = 5

// Ensure Store implements the memory.VectorStore interface.
var _ memory.VectorStore = (*Store)(nil)

// Store is the dual-scope conversation vector store. Scope handles (one
// database plus one index per user or group) open lazily and stay cached for
// the life of the store.
type Store struct {
	dataDir  string
	embedder embeddings.Provider
	logger   *slog.Logger

	mu     sync.Mutex
	users  map[string]*scope
	groups map[string]*scope
}

// StoreOption is a functional option for NewStore.
type StoreOption func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates the store rooted at dataDir, creating the private/ and
// groups/ subdirectories if needed.
func NewStore(dataDir string, embedder embeddings.Provider, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dataDir:  dataDir,
		embedder: embedder,
		logger:   slog.Default(),
		users:    make(map[string]*scope),
		groups:   make(map[string]*scope),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "vectorstore")

	for _, dir := range []string{s.privateDir(), s.groupDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) privateDir() string { return filepath.Join(s.dataDir, "private") }
func (s *Store) groupDir() string   { return filepath.Join(s.dataDir, "groups") }

// Close closes every cached database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, m := range []map[string]*scope{s.users, s.groups} {
		for id, sc := range m {
			if err := sc.close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("vectorstore: close %s: %w", id, err)
			}
			delete(m, id)
		}
	}
	return firstErr
}

// ─────────────────────────────────────────────────────────────────────────────
// Scope handles
// ─────────────────────────────────────────────────────────────────────────────

// scope bundles one entity's database and index files. All access goes
// through mu; the store-level lock only guards the handle maps.
type scope struct {
	mu sync.Mutex

	db  *sql.DB
	idx *vecindex.Flat
	ids *vecindex.IDMap

	dbPath  string
	idxPath string
	mapPath string
}

func (sc *scope) close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.db == nil {
		return nil
	}
	err := sc.db.Close()
	sc.db = nil
	return err
}

// persist writes the index and id-map files. Caller holds sc.mu.
func (sc *scope) persist() error {
	if err := sc.idx.Save(sc.idxPath); err != nil {
		return err
	}
	return sc.ids.Save(sc.mapPath)
}

func (s *Store) userPaths(userID string) (db, idx, ids string) {
	base := filepath.Join(s.privateDir(), userID)
	return base + ".db", base + ".faiss", base + "_id_map.pkl"
}

func (s *Store) groupPaths(groupID string) (db, idx, ids string) {
	base := filepath.Join(s.groupDir(), groupID)
	return base + ".db", base + ".faiss", base + "_id_map.pkl"
}

// user returns the cached handle for userID, opening (and initializing) the
// database on first use. With create false a missing database yields nil.
func (s *Store) user(userID string, create bool) (*scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.users[userID]; ok {
		return sc, nil
	}

	dbPath, idxPath, mapPath := s.userPaths(userID)
	if !create {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, nil
		}
	}

	sc, err := s.openScope(dbPath, idxPath, mapPath, userSchema)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open user %s: %w", userID, err)
	}
	s.users[userID] = sc
	return sc, nil
}

// group is the group-scope counterpart of user.
func (s *Store) group(groupID string, create bool) (*scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.groups[groupID]; ok {
		return sc, nil
	}

	dbPath, idxPath, mapPath := s.groupPaths(groupID)
	if !create {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, nil
		}
	}

	sc, err := s.openScope(dbPath, idxPath, mapPath, groupSchema)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open group %s: %w", groupID, err)
	}
	s.groups[groupID] = sc
	return sc, nil
}

const userSchema = `
CREATE TABLE IF NOT EXISTS private_memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	query TEXT,
	reply TEXT
);
CREATE TABLE IF NOT EXISTS group_memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	query TEXT,
	reply TEXT
);
`

const groupSchema = `
CREATE TABLE IF NOT EXISTS member_memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	sender_name TEXT,
	query TEXT,
	reply TEXT
);
`

func (s *Store) openScope(dbPath, idxPath, mapPath, schema string) (*scope, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	idx, err := vecindex.Load(idxPath, s.embedder.Dimensions())
	if err != nil {
		db.Close()
		return nil, err
	}
	ids, err := vecindex.LoadIDMap(mapPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &scope{
		db:      db,
		idx:     idx,
		ids:     ids,
		dbPath:  dbPath,
		idxPath: idxPath,
		mapPath: mapPath,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// AddPair implements memory.VectorStore.
func (s *Store) AddPair(ctx context.Context, userID, query, reply, groupID, sender string) error {
	content := memory.PairContent(query, reply)
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("vectorstore: embed pair: %w", err)
	}

	us, err := s.user(userID, true)
	if err != nil {
		return err
	}

	if groupID == "" {
		if err := s.addUserRow(ctx, us, "", query, reply, content, vec); err != nil {
			return fmt.Errorf("vectorstore: add private pair for %s: %w", userID, err)
		}
		s.logger.Debug("stored private pair", "user_id", userID)
		return nil
	}

	// Group turn: shadow copy in the user's store plus the shared group row.
	if err := s.addUserRow(ctx, us, groupID, query, reply, content, vec); err != nil {
		return fmt.Errorf("vectorstore: add group shadow for %s: %w", userID, err)
	}

	gs, err := s.group(groupID, true)
	if err != nil {
		return err
	}
	if err := s.addGroupRow(ctx, gs, userID, sender, query, reply, content, vec); err != nil {
		return fmt.Errorf("vectorstore: add group pair for %s: %w", groupID, err)
	}
	s.logger.Debug("stored group pair", "user_id", userID, "group_id", groupID)
	return nil
}

func (s *Store) addUserRow(ctx context.Context, sc *scope, groupID, query, reply, content string, vec []float32) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var (
		res   sql.Result
		err   error
		entry vecindex.IDEntry
	)
	if groupID == "" {
		res, err = sc.db.ExecContext(ctx, `
			INSERT INTO private_memories (role, content, timestamp, query, reply)
			VALUES (?, ?, ?, ?, ?)`,
			memory.RolePair, content, time.Now().Unix(), query, reply)
	} else {
		res, err = sc.db.ExecContext(ctx, `
			INSERT INTO group_memories (group_id, role, content, timestamp, query, reply)
			VALUES (?, ?, ?, ?, ?, ?)`,
			groupID, memory.RolePair, content, time.Now().Unix(), query, reply)
		entry.Scope = vecindex.ScopeGroup
	}
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	if err := sc.idx.Add(vec); err != nil {
		return err
	}
	sc.ids.Append(entry)
	return sc.persist()
}

func (s *Store) addGroupRow(ctx context.Context, sc *scope, userID, sender, query, reply, content string, vec []float32) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	res, err := sc.db.ExecContext(ctx, `
		INSERT INTO member_memories (user_id, role, content, timestamp, sender_name, query, reply)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, memory.RolePair, content, time.Now().Unix(), sender, query, reply)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if err := sc.idx.Add(vec); err != nil {
		return err
	}
	sc.ids.Append(vecindex.IDEntry{ID: id})
	return sc.persist()
}

// ─────────────────────────────────────────────────────────────────────────────
// Search
// ─────────────────────────────────────────────────────────────────────────────

// SearchUser implements memory.VectorStore.
func (s *Store) SearchUser(ctx context.Context, userID, query string, opts memory.SearchOptions) ([]memory.Hit, error) {
	sc, err := s.user(userID, false)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	results, err := sc.idx.Search(vec, opts.K+extraFetch)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search user %s: %w", userID, err)
	}

	now := time.Now()
	var hits []memory.Hit
	for _, r := range results {
		entry, ok := sc.ids.At(r.Pos)
		if !ok {
			continue
		}
		if entry.Scope == vecindex.ScopeGroup && !opts.CrossScope {
			continue
		}
		if r.Score < opts.Threshold {
			continue
		}

		table := "private_memories"
		if entry.Scope == vecindex.ScopeGroup {
			table = "group_memories"
		}
		var (
			role, content string
			ts            int64
		)
		err := sc.db.QueryRowContext(ctx,
			"SELECT role, content, timestamp FROM "+table+" WHERE id = ?", entry.ID,
		).Scan(&role, &content, &ts)
		if err == sql.ErrNoRows {
			// Row deleted since the index was built; stale vector.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vectorstore: load row %d: %w", entry.ID, err)
		}

		t := time.Unix(ts, 0)
		hits = append(hits, memory.Hit{
			ID:         entry.ID,
			Role:       role,
			Content:    content,
			Timestamp:  t,
			Similarity: r.Score,
			Score:      memory.TimeWeightedScore(r.Score, t, now),
		})
	}

	sortHits(hits)
	if opts.K > 0 && len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

// SearchGroup implements memory.VectorStore.
func (s *Store) SearchGroup(ctx context.Context, groupID, query string, opts memory.SearchOptions) ([]memory.Hit, error) {
	sc, err := s.group(groupID, false)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	results, err := sc.idx.Search(vec, opts.K+extraFetch)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search group %s: %w", groupID, err)
	}

	now := time.Now()
	var hits []memory.Hit
	for _, r := range results {
		entry, ok := sc.ids.At(r.Pos)
		if !ok {
			continue
		}
		if r.Score < opts.Threshold {
			continue
		}

		var (
			role, content string
			sender        sql.NullString
			ts            int64
		)
		err := sc.db.QueryRowContext(ctx,
			"SELECT role, content, timestamp, sender_name FROM member_memories WHERE id = ?", entry.ID,
		).Scan(&role, &content, &ts, &sender)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vectorstore: load row %d: %w", entry.ID, err)
		}

		t := time.Unix(ts, 0)
		hits = append(hits, memory.Hit{
			ID:         entry.ID,
			Role:       role,
			Content:    content,
			Sender:     sender.String,
			Timestamp:  t,
			Similarity: r.Score,
			Score:      memory.TimeWeightedScore(r.Score, t, now),
		})
	}

	sortHits(hits)
	if opts.K > 0 && len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

func sortHits(hits []memory.Hit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

// ─────────────────────────────────────────────────────────────────────────────
// Rebuild
// ─────────────────────────────────────────────────────────────────────────────

// RebuildUser implements memory.VectorStore.
func (s *Store) RebuildUser(ctx context.Context, userID string) error {
	sc, err := s.user(userID, false)
	if err != nil {
		return err
	}
	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	var (
		entries  []vecindex.IDEntry
		contents []string
	)
	collect := func(table, scope string) error {
		rows, err := sc.db.QueryContext(ctx, "SELECT id, content FROM "+table+" ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id      int64
				content string
			)
			if err := rows.Scan(&id, &content); err != nil {
				return err
			}
			entries = append(entries, vecindex.IDEntry{Scope: scope, ID: id})
			contents = append(contents, content)
		}
		return rows.Err()
	}
	if err := collect("private_memories", ""); err != nil {
		return fmt.Errorf("vectorstore: rebuild user %s: %w", userID, err)
	}
	if err := collect("group_memories", vecindex.ScopeGroup); err != nil {
		return fmt.Errorf("vectorstore: rebuild user %s: %w", userID, err)
	}

	if err := s.rebuildScope(ctx, sc, entries, contents); err != nil {
		return fmt.Errorf("vectorstore: rebuild user %s: %w", userID, err)
	}
	s.logger.Info("rebuilt user index", "user_id", userID, "vectors", len(entries))
	return nil
}

// RebuildGroup implements memory.VectorStore.
func (s *Store) RebuildGroup(ctx context.Context, groupID string) error {
	sc, err := s.group(groupID, false)
	if err != nil {
		return err
	}
	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	var (
		entries  []vecindex.IDEntry
		contents []string
	)
	rows, err := sc.db.QueryContext(ctx, "SELECT id, content FROM member_memories ORDER BY id")
	if err != nil {
		return fmt.Errorf("vectorstore: rebuild group %s: %w", groupID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("vectorstore: rebuild group %s: %w", groupID, err)
		}
		entries = append(entries, vecindex.IDEntry{ID: id})
		contents = append(contents, content)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("vectorstore: rebuild group %s: %w", groupID, err)
	}

	if err := s.rebuildScope(ctx, sc, entries, contents); err != nil {
		return fmt.Errorf("vectorstore: rebuild group %s: %w", groupID, err)
	}
	s.logger.Info("rebuilt group index", "group_id", groupID, "vectors", len(entries))
	return nil
}

// rebuildScope re-embeds contents and replaces the scope's index and id-map.
// Caller holds sc.mu.
func (s *Store) rebuildScope(ctx context.Context, sc *scope, entries []vecindex.IDEntry, contents []string) error {
	idx := vecindex.New(s.embedder.Dimensions())
	ids := &vecindex.IDMap{}

	if len(contents) > 0 {
		vecs, err := s.embedder.EmbedBatch(ctx, contents)
		if err != nil {
			return err
		}
		for i, vec := range vecs {
			if err := idx.Add(vec); err != nil {
				return err
			}
			ids.Append(entries[i])
		}
	}

	sc.idx = idx
	sc.ids = ids
	return sc.persist()
}

// ─────────────────────────────────────────────────────────────────────────────
// Clear / stats
// ─────────────────────────────────────────────────────────────────────────────

// ClearUser implements memory.VectorStore.
func (s *Store) ClearUser(userID string) (int, error) {
	s.mu.Lock()
	if sc, ok := s.users[userID]; ok {
		sc.close()
		delete(s.users, userID)
	}
	s.mu.Unlock()

	dbPath, idxPath, mapPath := s.userPaths(userID)
	removed, err := countAndRemove(dbPath, "private_memories", "group_memories")
	if err != nil {
		return 0, fmt.Errorf("vectorstore: clear user %s: %w", userID, err)
	}
	os.Remove(idxPath)
	os.Remove(mapPath)
	if removed > 0 {
		s.logger.Warn("cleared user memory", "user_id", userID, "rows", removed)
	}
	return removed, nil
}

// ClearGroup implements memory.VectorStore.
func (s *Store) ClearGroup(groupID string) (int, error) {
	s.mu.Lock()
	if sc, ok := s.groups[groupID]; ok {
		sc.close()
		delete(s.groups, groupID)
	}
	s.mu.Unlock()

	dbPath, idxPath, mapPath := s.groupPaths(groupID)
	removed, err := countAndRemove(dbPath, "member_memories")
	if err != nil {
		return 0, fmt.Errorf("vectorstore: clear group %s: %w", groupID, err)
	}
	os.Remove(idxPath)
	os.Remove(mapPath)
	if removed > 0 {
		s.logger.Warn("cleared group memory", "group_id", groupID, "rows", removed)
	}
	return removed, nil
}

// countAndRemove counts rows across tables in the database at path, then
// deletes the file. A missing file counts as zero.
func countAndRemove(path string, tables ...string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tables {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err == nil {
			total += n
		}
	}
	db.Close()

	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return total, nil
}

// UserStats implements memory.VectorStore.
func (s *Store) UserStats(userID string) (memory.ScopeStats, error) {
	sc, err := s.user(userID, false)
	if err != nil || sc == nil {
		return memory.ScopeStats{}, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	var stats memory.ScopeStats
	if err := sc.db.QueryRow("SELECT COUNT(*) FROM private_memories").Scan(&stats.PrivateRows); err != nil {
		return memory.ScopeStats{}, fmt.Errorf("vectorstore: user stats %s: %w", userID, err)
	}
	if err := sc.db.QueryRow("SELECT COUNT(*) FROM group_memories").Scan(&stats.GroupRows); err != nil {
		return memory.ScopeStats{}, fmt.Errorf("vectorstore: user stats %s: %w", userID, err)
	}
	stats.Vectors = sc.idx.Len()
	return stats, nil
}

// GroupStats implements memory.VectorStore.
func (s *Store) GroupStats(groupID string) (memory.ScopeStats, error) {
	sc, err := s.group(groupID, false)
	if err != nil || sc == nil {
		return memory.ScopeStats{}, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	var stats memory.ScopeStats
	if err := sc.db.QueryRow("SELECT COUNT(*) FROM member_memories").Scan(&stats.PrivateRows); err != nil {
		return memory.ScopeStats{}, fmt.Errorf("vectorstore: group stats %s: %w", groupID, err)
	}
	stats.Vectors = sc.idx.Len()
	return stats, nil
}

// AllStats implements memory.VectorStore.
func (s *Store) AllStats() (memory.StoreStats, error) {
	var stats memory.StoreStats

	userDBs, err := filepath.Glob(filepath.Join(s.privateDir(), "*.db"))
	if err != nil {
		return stats, fmt.Errorf("vectorstore: all stats: %w", err)
	}
	groupDBs, err := filepath.Glob(filepath.Join(s.groupDir(), "*.db"))
	if err != nil {
		return stats, fmt.Errorf("vectorstore: all stats: %w", err)
	}

	stats.Users = len(userDBs)
	stats.Groups = len(groupDBs)

	countRows := func(path string, tables ...string) {
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return
		}
		defer db.Close()
		for _, t := range tables {
			var n int
			if err := db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err == nil {
				stats.TotalRows += n
			}
		}
	}
	for _, p := range userDBs {
		countRows(p, "private_memories", "group_memories")
		if fi, err := os.Stat(p); err == nil {
			stats.TotalBytes += fi.Size()
		}
	}
	for _, p := range groupDBs {
		countRows(p, "member_memories")
		if fi, err := os.Stat(p); err == nil {
			stats.TotalBytes += fi.Size()
		}
	}
	return stats, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Listings
// ─────────────────────────────────────────────────────────────────────────────

// UserIDs lists every user with a store on disk.
func (s *Store) UserIDs() ([]string, error) {
	return idsFromGlob(filepath.Join(s.privateDir(), "*.db"))
}

// GroupIDs lists every group with a store on disk.
func (s *Store) GroupIDs() ([]string, error) {
	return idsFromGlob(filepath.Join(s.groupDir(), "*.db"))
}

func idsFromGlob(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list stores: %w", err)
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, strings.TrimSuffix(filepath.Base(p), ".db"))
	}
	sort.Strings(ids)
	return ids, nil
}
