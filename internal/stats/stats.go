// Package stats persists usage counters: users seen, messages in and out,
// and model token consumption split by model family, with a per-day
// breakdown for charts.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Model families tracked separately. Reasoning models (R1 style) cost far
// more per token than chat models (V3 style), so their usage is split.
const (
	FamilyR1 = "r1"
	FamilyV3 = "v3"
)

// Cost rates in RMB per token.
const (
	r1CostPerToken = 16.0 / 1_000_000
	v3CostPerToken = 3.0 / 1_000_000
)

// Global is the all-time counter snapshot.
type Global struct {
	TotalUsers       int
	TotalMsgReceived int
	TotalMsgSent     int

	R1InputTokens  int64
	R1OutputTokens int64
	R1Calls        int
	R1Cost         float64

	V3InputTokens  int64
	V3OutputTokens int64
	V3Calls        int
	V3Cost         float64

	TotalCost float64
	UpdatedAt time.Time
}

// Daily is one day's counters.
type Daily struct {
	Date        string
	MsgReceived int
	MsgSent     int
	R1Tokens    int64
	V3Tokens    int64
	R1Calls     int
	V3Calls     int
	Cost        float64
}

// Service owns stats.db.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

const statsSchema = `
CREATE TABLE IF NOT EXISTS global_stats (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    total_users        INTEGER DEFAULT 0,
    total_msg_received INTEGER DEFAULT 0,
    total_msg_sent     INTEGER DEFAULT 0,
    r1_input_tokens    INTEGER DEFAULT 0,
    r1_output_tokens   INTEGER DEFAULT 0,
    r1_calls           INTEGER DEFAULT 0,
    v3_input_tokens    INTEGER DEFAULT 0,
    v3_output_tokens   INTEGER DEFAULT 0,
    v3_calls           INTEGER DEFAULT 0,
    updated_at         TEXT
);
INSERT OR IGNORE INTO global_stats (id) VALUES (1);

CREATE TABLE IF NOT EXISTS user_stats (
    user_id      TEXT PRIMARY KEY,
    first_seen   TEXT,
    last_seen    TEXT,
    msg_received INTEGER DEFAULT 0,
    msg_sent     INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS daily_stats (
    date             TEXT PRIMARY KEY,
    msg_received     INTEGER DEFAULT 0,
    msg_sent         INTEGER DEFAULT 0,
    r1_input_tokens  INTEGER DEFAULT 0,
    r1_output_tokens INTEGER DEFAULT 0,
    r1_calls         INTEGER DEFAULT 0,
    v3_input_tokens  INTEGER DEFAULT 0,
    v3_output_tokens INTEGER DEFAULT 0,
    v3_calls         INTEGER DEFAULT 0
);
`

// NewService opens (creating if needed) the stats database at dbPath.
func NewService(dbPath string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("stats: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(statsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: init schema: %w", err)
	}
	return &Service{db: db, logger: logger.With("component", "stats")}, nil
}

// Close releases the database handle.
func (s *Service) Close() error {
	return s.db.Close()
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// RecordIncoming counts one received message from userID, registering the
// user on first contact.
func (s *Service) RecordIncoming(ctx context.Context, userID string) error {
	now := time.Now().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: record incoming: %w", err)
	}
	defer tx.Rollback()

	var known int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_stats WHERE user_id = ?`, userID).Scan(&known); err != nil {
		return fmt.Errorf("stats: detect new user: %w", err)
	}
	newUser := known == 0

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, first_seen, last_seen, msg_received)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			msg_received = msg_received + 1`,
		userID, now, now); err != nil {
		return fmt.Errorf("stats: upsert user: %w", err)
	}

	userDelta := 0
	if newUser {
		userDelta = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE global_stats SET
			total_users = total_users + ?,
			total_msg_received = total_msg_received + 1,
			updated_at = ?
		WHERE id = 1`, userDelta, now); err != nil {
		return fmt.Errorf("stats: bump global: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_stats (date, msg_received) VALUES (?, 1)
		ON CONFLICT(date) DO UPDATE SET msg_received = msg_received + 1`,
		today()); err != nil {
		return fmt.Errorf("stats: bump daily: %w", err)
	}

	return tx.Commit()
}

// RecordOutgoing counts one message sent to userID.
func (s *Service) RecordOutgoing(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: record outgoing: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_stats SET msg_sent = msg_sent + 1 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("stats: bump user sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE global_stats SET total_msg_sent = total_msg_sent + 1, updated_at = ?
		WHERE id = 1`, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("stats: bump global sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_stats (date, msg_sent) VALUES (?, 1)
		ON CONFLICT(date) DO UPDATE SET msg_sent = msg_sent + 1`,
		today()); err != nil {
		return fmt.Errorf("stats: bump daily sent: %w", err)
	}

	return tx.Commit()
}

// ModelFamily classifies a model name into a tracked family. Unrecognized
// models count as the cheap chat family.
func ModelFamily(modelName string) string {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "r1") {
		return FamilyR1
	}
	return FamilyV3
}

// RecordLLMUsage adds one model call's token counts to the global and daily
// tallies.
func (s *Service) RecordLLMUsage(ctx context.Context, modelName string, inputTokens, outputTokens int) error {
	family := ModelFamily(modelName)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: record usage: %w", err)
	}
	defer tx.Rollback()

	// Column names are derived from the two fixed family constants, never
	// from user input.
	globalQ := fmt.Sprintf(`
		UPDATE global_stats SET
			%[1]s_input_tokens = %[1]s_input_tokens + ?,
			%[1]s_output_tokens = %[1]s_output_tokens + ?,
			%[1]s_calls = %[1]s_calls + 1,
			updated_at = ?
		WHERE id = 1`, family)
	if _, err := tx.ExecContext(ctx, globalQ, inputTokens, outputTokens, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("stats: bump global usage: %w", err)
	}

	dailyQ := fmt.Sprintf(`
		INSERT INTO daily_stats (date, %[1]s_input_tokens, %[1]s_output_tokens, %[1]s_calls)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(date) DO UPDATE SET
			%[1]s_input_tokens = %[1]s_input_tokens + excluded.%[1]s_input_tokens,
			%[1]s_output_tokens = %[1]s_output_tokens + excluded.%[1]s_output_tokens,
			%[1]s_calls = %[1]s_calls + 1`, family)
	if _, err := tx.ExecContext(ctx, dailyQ, today(), inputTokens, outputTokens); err != nil {
		return fmt.Errorf("stats: bump daily usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("model usage recorded",
		"family", family, "input", inputTokens, "output", outputTokens)
	return nil
}

// GetGlobal returns the all-time snapshot with computed costs.
func (s *Service) GetGlobal(ctx context.Context) (Global, error) {
	var (
		g       Global
		updated sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT total_users, total_msg_received, total_msg_sent,
		       r1_input_tokens, r1_output_tokens, r1_calls,
		       v3_input_tokens, v3_output_tokens, v3_calls, updated_at
		FROM global_stats WHERE id = 1`).
		Scan(&g.TotalUsers, &g.TotalMsgReceived, &g.TotalMsgSent,
			&g.R1InputTokens, &g.R1OutputTokens, &g.R1Calls,
			&g.V3InputTokens, &g.V3OutputTokens, &g.V3Calls, &updated)
	if err != nil {
		return Global{}, fmt.Errorf("stats: read global: %w", err)
	}
	if updated.Valid {
		g.UpdatedAt, _ = time.Parse(time.RFC3339, updated.String)
	}

	g.R1Cost = float64(g.R1InputTokens+g.R1OutputTokens) * r1CostPerToken
	g.V3Cost = float64(g.V3InputTokens+g.V3OutputTokens) * v3CostPerToken
	g.TotalCost = g.R1Cost + g.V3Cost
	return g, nil
}

// GetDaily returns the last days of per-day counters, oldest first.
func (s *Service) GetDaily(ctx context.Context, days int) ([]Daily, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, msg_received, msg_sent,
		       r1_input_tokens, r1_output_tokens, r1_calls,
		       v3_input_tokens, v3_output_tokens, v3_calls
		FROM daily_stats ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("stats: read daily: %w", err)
	}
	defer rows.Close()

	var out []Daily
	for rows.Next() {
		var (
			d           Daily
			r1In, r1Out int64
			v3In, v3Out int64
		)
		if err := rows.Scan(&d.Date, &d.MsgReceived, &d.MsgSent,
			&r1In, &r1Out, &d.R1Calls, &v3In, &v3Out, &d.V3Calls); err != nil {
			return nil, err
		}
		d.R1Tokens = r1In + r1Out
		d.V3Tokens = v3In + v3Out
		d.Cost = float64(d.R1Tokens)*r1CostPerToken + float64(d.V3Tokens)*v3CostPerToken
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Chart order: oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetToday returns today's counters, zeroed when no activity yet.
func (s *Service) GetToday(ctx context.Context) (Daily, error) {
	all, err := s.GetDaily(ctx, 1)
	if err != nil {
		return Daily{}, err
	}
	t := today()
	for _, d := range all {
		if d.Date == t {
			return d, nil
		}
	}
	return Daily{Date: t}, nil
}

// RecentActiveUsers returns the most recently seen user ids, newest first.
// The history warm-up job uses this on startup.
func (s *Service) RecentActiveUsers(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_stats ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("stats: recent users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
