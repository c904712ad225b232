package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/memory/vecindex"
)

// Record is one stored row as seen by maintenance jobs.
type Record struct {
	ID        int64
	Role      string
	Content   string
	Timestamp time.Time
}

// OldestUserRows returns the n oldest private rows for userID, oldest first.
func (s *Store) OldestUserRows(ctx context.Context, userID string, n int) ([]Record, error) {
	sc, err := s.user(userID, false)
	if err != nil || sc == nil {
		return nil, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return oldestRows(ctx, sc.db, "private_memories", n)
}

// OldestGroupRows returns the n oldest member rows for groupID, oldest first.
func (s *Store) OldestGroupRows(ctx context.Context, groupID string, n int) ([]Record, error) {
	sc, err := s.group(groupID, false)
	if err != nil || sc == nil {
		return nil, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return oldestRows(ctx, sc.db, "member_memories", n)
}

func oldestRows(ctx context.Context, db *sql.DB, table string, n int) ([]Record, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, role, content, timestamp FROM "+table+" ORDER BY timestamp, id LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: oldest rows: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.Role, &r.Content, &ts); err != nil {
			return nil, fmt.Errorf("vectorstore: oldest rows: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteUserRows deletes the given private rows. The index is left as is;
// stale vectors are skipped at search time and removed by the next rebuild.
func (s *Store) DeleteUserRows(ctx context.Context, userID string, ids []int64) (int, error) {
	sc, err := s.user(userID, false)
	if err != nil || sc == nil {
		return 0, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return deleteRows(ctx, sc.db, "private_memories", ids)
}

// DeleteGroupRows deletes the given member rows.
func (s *Store) DeleteGroupRows(ctx context.Context, groupID string, ids []int64) (int, error) {
	sc, err := s.group(groupID, false)
	if err != nil || sc == nil {
		return 0, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return deleteRows(ctx, sc.db, "member_memories", ids)
}

func deleteRows(ctx context.Context, db *sql.DB, table string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddUserSummary stores a GC summary row in userID's private table and
// appends its vector to the index so the summary stays searchable.
func (s *Store) AddUserSummary(ctx context.Context, userID, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("vectorstore: embed summary: %w", err)
	}

	sc, err := s.user(userID, true)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	res, err := sc.db.ExecContext(ctx, `
		INSERT INTO private_memories (role, content, timestamp, query, reply)
		VALUES (?, ?, ?, NULL, NULL)`,
		memory.RoleSummary, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("vectorstore: add summary for %s: %w", userID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("vectorstore: add summary for %s: %w", userID, err)
	}

	if err := sc.idx.Add(vec); err != nil {
		return fmt.Errorf("vectorstore: add summary for %s: %w", userID, err)
	}
	sc.ids.Append(vecindex.IDEntry{ID: id})
	return sc.persist()
}

// AddGroupSummary is AddUserSummary for a group store.
func (s *Store) AddGroupSummary(ctx context.Context, groupID, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("vectorstore: embed summary: %w", err)
	}

	sc, err := s.group(groupID, true)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	res, err := sc.db.ExecContext(ctx, `
		INSERT INTO member_memories (user_id, role, content, timestamp, sender_name, query, reply)
		VALUES ('', ?, ?, ?, NULL, NULL, NULL)`,
		memory.RoleSummary, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("vectorstore: add summary for group %s: %w", groupID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("vectorstore: add summary for group %s: %w", groupID, err)
	}

	if err := sc.idx.Add(vec); err != nil {
		return fmt.Errorf("vectorstore: add summary for group %s: %w", groupID, err)
	}
	sc.ids.Append(vecindex.IDEntry{ID: id})
	return sc.persist()
}
