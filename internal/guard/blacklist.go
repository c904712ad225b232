// Package guard protects the persona from prompt injection.
//
// Three pieces work together: a two-tier injection classifier (keyword
// prefilter plus a cheap LLM verdict), a SQLite-backed temporary blacklist
// that the classifier feeds, and a persona guard that cleans injected
// phrasing out of user text and flags replies that break character.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// BannedBy values recorded in blacklist rows.
const (
	BannedByGuard = "auto_guard"
)

// BanRecord describes one blacklist entry.
type BanRecord struct {
	UserID    string
	ExpiresAt time.Time
	Reason    string
	BlockedAt time.Time
	BlockedBy string
	HitCount  int
}

// Remaining returns how long the ban still has to run. Zero or negative means
// expired.
func (r BanRecord) Remaining() time.Duration {
	return time.Until(r.ExpiresAt)
}

// BanPage is one page of active blacklist entries.
type BanPage struct {
	Records    []BanRecord
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// BlacklistStats summarizes blacklist activity.
type BlacklistStats struct {
	ActiveCount  int
	TodayCount   int
	TopReasons   []ReasonCount
	TopOffenders []OffenderCount
}

// ReasonCount pairs a ban reason with how often it occurred.
type ReasonCount struct {
	Reason string
	Count  int
}

// OffenderCount pairs a user with their repeat-offense count.
type OffenderCount struct {
	UserID   string
	HitCount int
}

// Blacklist is the persistent temporary ban store backed by guard.db.
// A repeat offense extends the expiry and bumps the hit counter rather than
// creating a second row.
type Blacklist struct {
	db     *sql.DB
	logger *slog.Logger
}

const blacklistSchema = `
CREATE TABLE IF NOT EXISTS temp_blacklist (
    user_id    TEXT PRIMARY KEY,
    expires_at INTEGER NOT NULL,
    reason     TEXT,
    blocked_at INTEGER NOT NULL,
    blocked_by TEXT DEFAULT 'auto_guard',
    hit_count  INTEGER DEFAULT 1
);
`

// NewBlacklist opens (creating if needed) the blacklist database at dbPath.
func NewBlacklist(dbPath string, logger *slog.Logger) (*Blacklist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("blacklist: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("blacklist: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(blacklistSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("blacklist: init schema: %w", err)
	}
	return &Blacklist{db: db, logger: logger.With("component", "blacklist")}, nil
}

// Close releases the database handle.
func (b *Blacklist) Close() error {
	return b.db.Close()
}

// Ban puts userID in the blacklist for the given duration. An existing ban is
// replaced with the new expiry and its hit count incremented.
func (b *Blacklist) Ban(ctx context.Context, userID string, d time.Duration, reason, by string) (BanRecord, error) {
	if by == "" {
		by = BannedByGuard
	}
	now := time.Now()
	expires := now.Add(d)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO temp_blacklist (user_id, expires_at, reason, blocked_at, blocked_by, hit_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			reason = excluded.reason,
			blocked_at = excluded.blocked_at,
			blocked_by = excluded.blocked_by,
			hit_count = hit_count + 1`,
		userID, expires.Unix(), reason, now.Unix(), by)
	if err != nil {
		return BanRecord{}, fmt.Errorf("blacklist: ban %s: %w", userID, err)
	}

	rec, err := b.info(ctx, userID)
	if err != nil {
		return BanRecord{}, err
	}
	b.logger.Warn("user banned",
		"user_id", userID, "minutes", int(d.Minutes()), "reason", reason,
		"by", by, "hit_count", rec.HitCount)
	return rec, nil
}

// Unban removes userID from the blacklist. Returns false if no row existed.
func (b *Blacklist) Unban(ctx context.Context, userID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM temp_blacklist WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("blacklist: unban %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		b.logger.Info("user unbanned", "user_id", userID)
	}
	return n > 0, nil
}

// IsBlocked reports whether userID is currently banned. An expired row is
// removed on the way out.
func (b *Blacklist) IsBlocked(ctx context.Context, userID string) (bool, error) {
	var expires int64
	err := b.db.QueryRowContext(ctx,
		`SELECT expires_at FROM temp_blacklist WHERE user_id = ?`, userID).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist: lookup %s: %w", userID, err)
	}
	if time.Now().Unix() >= expires {
		if _, err := b.Unban(ctx, userID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Info returns the active ban record for userID, or false when not banned.
// Expired rows are removed on the way out.
func (b *Blacklist) Info(ctx context.Context, userID string) (BanRecord, bool, error) {
	rec, err := b.info(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return BanRecord{}, false, nil
	}
	if err != nil {
		return BanRecord{}, false, err
	}
	if rec.Remaining() <= 0 {
		if _, err := b.Unban(ctx, userID); err != nil {
			return BanRecord{}, false, err
		}
		return BanRecord{}, false, nil
	}
	return rec, true, nil
}

func (b *Blacklist) info(ctx context.Context, userID string) (BanRecord, error) {
	var (
		rec               BanRecord
		expires, blocked  int64
		reason, blockedBy sql.NullString
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT expires_at, reason, blocked_at, blocked_by, hit_count
		FROM temp_blacklist WHERE user_id = ?`, userID).
		Scan(&expires, &reason, &blocked, &blockedBy, &rec.HitCount)
	if err != nil {
		return BanRecord{}, err
	}
	rec.UserID = userID
	rec.ExpiresAt = time.Unix(expires, 0)
	rec.BlockedAt = time.Unix(blocked, 0)
	rec.Reason = reason.String
	rec.BlockedBy = blockedBy.String
	return rec, nil
}

// Extend pushes an active ban's expiry further out. Returns false when the
// user is not currently banned.
func (b *Blacklist) Extend(ctx context.Context, userID string, d time.Duration) (BanRecord, bool, error) {
	rec, ok, err := b.Info(ctx, userID)
	if err != nil || !ok {
		return BanRecord{}, false, err
	}
	newExpiry := rec.ExpiresAt.Add(d)
	if _, err := b.db.ExecContext(ctx,
		`UPDATE temp_blacklist SET expires_at = ? WHERE user_id = ?`,
		newExpiry.Unix(), userID); err != nil {
		return BanRecord{}, false, fmt.Errorf("blacklist: extend %s: %w", userID, err)
	}
	b.logger.Info("ban extended", "user_id", userID, "minutes", int(d.Minutes()))
	return b.Info(ctx, userID)
}

// ListActive returns a page of unexpired bans, newest expiry first. Pages are
// 1-based.
func (b *Blacklist) ListActive(ctx context.Context, page, pageSize int) (BanPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	now := time.Now().Unix()

	var total int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM temp_blacklist WHERE expires_at > ?`, now).Scan(&total); err != nil {
		return BanPage{}, fmt.Errorf("blacklist: count active: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT user_id, expires_at, reason, blocked_at, blocked_by, hit_count
		FROM temp_blacklist
		WHERE expires_at > ?
		ORDER BY expires_at DESC
		LIMIT ? OFFSET ?`, now, pageSize, (page-1)*pageSize)
	if err != nil {
		return BanPage{}, fmt.Errorf("blacklist: list active: %w", err)
	}
	defer rows.Close()

	var records []BanRecord
	for rows.Next() {
		var (
			rec               BanRecord
			expires, blocked  int64
			reason, blockedBy sql.NullString
		)
		if err := rows.Scan(&rec.UserID, &expires, &reason, &blocked, &blockedBy, &rec.HitCount); err != nil {
			return BanPage{}, fmt.Errorf("blacklist: scan row: %w", err)
		}
		rec.ExpiresAt = time.Unix(expires, 0)
		rec.BlockedAt = time.Unix(blocked, 0)
		rec.Reason = reason.String
		rec.BlockedBy = blockedBy.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return BanPage{}, err
	}

	return BanPage{
		Records:    records,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Stats summarizes current blacklist activity.
func (b *Blacklist) Stats(ctx context.Context) (BlacklistStats, error) {
	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var s BlacklistStats
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM temp_blacklist WHERE expires_at > ?`, now.Unix()).Scan(&s.ActiveCount); err != nil {
		return s, fmt.Errorf("blacklist: stats: %w", err)
	}
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM temp_blacklist WHERE blocked_at >= ?`, todayStart.Unix()).Scan(&s.TodayCount); err != nil {
		return s, fmt.Errorf("blacklist: stats: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT COALESCE(reason, ''), COUNT(*) AS cnt
		FROM temp_blacklist GROUP BY reason ORDER BY cnt DESC LIMIT 5`)
	if err != nil {
		return s, fmt.Errorf("blacklist: stats reasons: %w", err)
	}
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			rows.Close()
			return s, err
		}
		s.TopReasons = append(s.TopReasons, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}

	rows, err = b.db.QueryContext(ctx, `
		SELECT user_id, hit_count FROM temp_blacklist
		WHERE expires_at > ? ORDER BY hit_count DESC LIMIT 5`, now.Unix())
	if err != nil {
		return s, fmt.Errorf("blacklist: stats offenders: %w", err)
	}
	for rows.Next() {
		var oc OffenderCount
		if err := rows.Scan(&oc.UserID, &oc.HitCount); err != nil {
			rows.Close()
			return s, err
		}
		s.TopOffenders = append(s.TopOffenders, oc)
	}
	rows.Close()
	return s, rows.Err()
}

// CleanupExpired deletes all expired rows and returns how many were removed.
// The scheduler runs this periodically; IsBlocked also expires rows lazily.
func (b *Blacklist) CleanupExpired(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM temp_blacklist WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("blacklist: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		b.logger.Info("expired blacklist rows removed", "count", n)
	}
	return int(n), nil
}
