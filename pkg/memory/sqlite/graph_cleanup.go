package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// shortEntityRunes bounds the edit-distance duplicate check to short names,
// where a single-character difference usually means a typo or variant
// spelling rather than a distinct entity.
const shortEntityRunes = 4

// CleanupOrphans implements memory.KnowledgeGraph.
func (g *Graph) CleanupOrphans(ctx context.Context, userID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if userID != "" {
		res, err = g.db.ExecContext(ctx, `
			DELETE FROM nodes
			WHERE user_id = ?
			AND entity NOT IN (
				SELECT DISTINCT source_entity FROM edges WHERE user_id = ?
				UNION
				SELECT DISTINCT target_entity FROM edges WHERE user_id = ?
			)`, userID, userID, userID)
	} else {
		res, err = g.db.ExecContext(ctx, `
			DELETE FROM nodes
			WHERE NOT EXISTS (
				SELECT 1 FROM edges e
				WHERE e.user_id = nodes.user_id
				AND (e.source_entity = nodes.entity OR e.target_entity = nodes.entity)
			)`)
	}
	if err != nil {
		return 0, fmt.Errorf("knowledge graph: cleanup orphans: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		g.logger.Info("removed orphan nodes", "user_id", userID, "count", n)
	}
	return int(n), nil
}

// CleanupLowConnection implements memory.KnowledgeGraph.
func (g *Graph) CleanupLowConnection(ctx context.Context, userID string, threshold int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	query := `
		SELECT n.user_id, n.entity FROM nodes n
		WHERE (
			(SELECT COUNT(*) FROM edges e WHERE e.user_id = n.user_id AND e.source_entity = n.entity) +
			(SELECT COUNT(*) FROM edges e WHERE e.user_id = n.user_id AND e.target_entity = n.entity)
		) BETWEEN 1 AND ?`
	args := []any{threshold}
	if userID != "" {
		query += " AND n.user_id = ?"
		args = append(args, userID)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("knowledge graph: cleanup low connection: %w", err)
	}

	type victim struct{ userID, entity string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.userID, &v.entity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("knowledge graph: cleanup low connection: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("knowledge graph: cleanup low connection: %w", err)
	}

	for _, v := range victims {
		if _, err := g.db.ExecContext(ctx,
			"DELETE FROM edges WHERE user_id = ? AND (source_entity = ? OR target_entity = ?)",
			v.userID, v.entity, v.entity); err != nil {
			return 0, fmt.Errorf("knowledge graph: cleanup low connection: %w", err)
		}
		if _, err := g.db.ExecContext(ctx,
			"DELETE FROM nodes WHERE user_id = ? AND entity = ?",
			v.userID, v.entity); err != nil {
			return 0, fmt.Errorf("knowledge graph: cleanup low connection: %w", err)
		}
	}

	if len(victims) > 0 {
		g.logger.Info("removed low-connection nodes",
			"user_id", userID, "count", len(victims), "threshold", threshold)
	}
	return len(victims), nil
}

// MergeEntities implements memory.KnowledgeGraph.
func (g *Graph) MergeEntities(ctx context.Context, userID, main string, duplicates []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("knowledge graph: merge into %q: %w", main, err)
	}
	defer tx.Rollback()

	merged, err := g.mergeInto(ctx, tx, userID, main, duplicates)
	if err != nil {
		return 0, fmt.Errorf("knowledge graph: merge into %q: %w", main, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("knowledge graph: merge into %q: %w", main, err)
	}
	return merged, nil
}

// mergeInto folds duplicates into main inside tx: union aliases, redirect
// incident edges, drop self-loops, delete the duplicate nodes.
func (g *Graph) mergeInto(ctx context.Context, tx *sql.Tx, userID, main string, duplicates []string) (int, error) {
	var mainRaw sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT properties FROM nodes WHERE user_id = ? AND entity = ?", userID, main,
	).Scan(&mainRaw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	props := parseProps(mainRaw)
	aliasSet := map[string]bool{}
	for _, a := range propAliases(props) {
		aliasSet[a] = true
	}

	merged := 0
	for _, dup := range duplicates {
		var dupRaw sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT properties FROM nodes WHERE user_id = ? AND entity = ?", userID, dup,
		).Scan(&dupRaw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, err
		}

		aliasSet[dup] = true
		for _, a := range propAliases(parseProps(dupRaw)) {
			aliasSet[a] = true
		}

		// Redirect edges; INSERT OR IGNORE keeps an existing edge of the main
		// entity over the duplicate's copy.
		redirects := []struct{ insert, del string }{
			{
				insert: `INSERT OR IGNORE INTO edges (user_id, source_entity, target_entity, relation, properties, weight, created_at, updated_at)
					SELECT user_id, ?, target_entity, relation, properties, weight, created_at, updated_at
					FROM edges WHERE user_id = ? AND source_entity = ?`,
				del: "DELETE FROM edges WHERE user_id = ? AND source_entity = ?",
			},
			{
				insert: `INSERT OR IGNORE INTO edges (user_id, source_entity, target_entity, relation, properties, weight, created_at, updated_at)
					SELECT user_id, source_entity, ?, relation, properties, weight, created_at, updated_at
					FROM edges WHERE user_id = ? AND target_entity = ?`,
				del: "DELETE FROM edges WHERE user_id = ? AND target_entity = ?",
			},
		}
		for _, r := range redirects {
			if _, err := tx.ExecContext(ctx, r.insert, main, userID, dup); err != nil {
				return 0, err
			}
			if _, err := tx.ExecContext(ctx, r.del, userID, dup); err != nil {
				return 0, err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM nodes WHERE user_id = ? AND entity = ?", userID, dup); err != nil {
			return 0, err
		}
		merged++
	}
	if merged == 0 {
		return 0, nil
	}

	delete(aliasSet, main)
	aliases := make([]string, 0, len(aliasSet))
	for a := range aliasSet {
		aliases = append(aliases, a)
	}
	props["aliases"] = aliases

	raw, err := marshalProps(props)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE nodes SET properties = ?, updated_at = ? WHERE user_id = ? AND entity = ?",
		raw, time.Now().Unix(), userID, main); err != nil {
		return 0, err
	}

	// Redirection can produce main -> main self-loops.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE user_id = ? AND source_entity = ? AND target_entity = ?",
		userID, main, main); err != nil {
		return 0, err
	}
	return merged, nil
}

// MergeDuplicates implements memory.KnowledgeGraph.
func (g *Graph) MergeDuplicates(ctx context.Context, userID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var users []string
	if userID != "" {
		users = []string{userID}
	} else {
		rows, err := g.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM nodes")
		if err != nil {
			return 0, fmt.Errorf("knowledge graph: merge duplicates: %w", err)
		}
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return 0, fmt.Errorf("knowledge graph: merge duplicates: %w", err)
			}
			users = append(users, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("knowledge graph: merge duplicates: %w", err)
		}
	}

	total := 0
	for _, uid := range users {
		n, err := g.mergeDuplicatesForUser(ctx, uid)
		if err != nil {
			return total, fmt.Errorf("knowledge graph: merge duplicates for %s: %w", uid, err)
		}
		total += n
	}
	if total > 0 {
		g.logger.Info("merged duplicate entities", "user_id", userID, "count", total)
	}
	return total, nil
}

type graphEntity struct {
	name    string
	aliases map[string]bool
}

func (g *Graph) mergeDuplicatesForUser(ctx context.Context, userID string) (int, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT entity, properties FROM nodes WHERE user_id = ? ORDER BY entity", userID)
	if err != nil {
		return 0, err
	}

	var entities []graphEntity
	for rows.Next() {
		var (
			name  string
			props sql.NullString
		)
		if err := rows.Scan(&name, &props); err != nil {
			rows.Close()
			return 0, err
		}
		e := graphEntity{name: name, aliases: map[string]bool{}}
		for _, a := range propAliases(parseProps(props)) {
			e.aliases[a] = true
		}
		entities = append(entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(entities) < 2 {
		return 0, nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	merged := 0
	processed := map[string]bool{}
	for i, e1 := range entities {
		if processed[e1.name] {
			continue
		}

		var dups []string
		for _, e2 := range entities[i+1:] {
			if processed[e2.name] {
				continue
			}
			if isDuplicateEntity(e1, e2) {
				dups = append(dups, e2.name)
				processed[e2.name] = true
			}
		}
		if len(dups) == 0 {
			continue
		}

		n, err := g.mergeInto(ctx, tx, userID, e1.name, dups)
		if err != nil {
			return 0, err
		}
		merged += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return merged, nil
}

// isDuplicateEntity applies the three duplicate heuristics: equal names
// modulo case, mutual aliases, and edit distance at most one for short names.
func isDuplicateEntity(a, b graphEntity) bool {
	if a.name != b.name && strings.EqualFold(a.name, b.name) {
		return true
	}
	if a.aliases[b.name] || b.aliases[a.name] {
		return true
	}
	if utf8.RuneCountInString(a.name) <= shortEntityRunes &&
		utf8.RuneCountInString(b.name) <= shortEntityRunes {
		return matchr.Levenshtein(a.name, b.name) <= 1
	}
	return false
}
