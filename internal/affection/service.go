package affection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownUser is returned by admin operations that target a user with no
// affection record.
var ErrUnknownUser = errors.New("affection: unknown user")

// UserInfo is one user's affection state.
type UserInfo struct {
	UserID            string
	Score             float64
	Level             int
	LevelName         string
	TotalInteractions int
	LastInteractAt    time.Time
}

// Overview aggregates affection state across all users.
type Overview struct {
	TotalUsers  int
	AvgScore    float64
	LevelCounts map[int]int
}

// UserPage is one page of user records, highest score first.
type UserPage struct {
	Items    []UserInfo
	Total    int
	Page     int
	PageSize int
}

// ListFilter narrows a user listing. Zero values mean no filter.
type ListFilter struct {
	// Level filters to one level when HasLevel is set.
	Level    int
	HasLevel bool

	// Keyword substring-matches user ids.
	Keyword string
}

// Service owns affection.db and implements the scoring algorithm.
type Service struct {
	db         *sql.DB
	levelTemps map[int]float64
	logger     *slog.Logger
}

const affectionSchema = `
CREATE TABLE IF NOT EXISTS user_affection (
    user_id            TEXT PRIMARY KEY,
    affection_score    REAL DEFAULT 0.0,
    last_level         INTEGER DEFAULT -2,
    total_interactions INTEGER DEFAULT 0,
    last_interact_at   TEXT
);
`

// NewService opens (creating if needed) the affection database at dbPath and
// loads per-level temperature overrides from the environment.
func NewService(dbPath string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "affection")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("affection: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("affection: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(affectionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("affection: init schema: %w", err)
	}

	s := &Service{
		db:         db,
		levelTemps: loadTempOverrides(logger),
		logger:     logger,
	}
	if len(s.levelTemps) > 0 {
		logger.Info("level temperature overrides loaded", "count", len(s.levelTemps))
	}
	return s, nil
}

// loadTempOverrides reads YUKI_AFF_TEMP_* environment variables.
func loadTempOverrides(logger *slog.Logger) map[int]float64 {
	temps := make(map[int]float64)
	for level, key := range tempEnvKeys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Warn("unparseable temperature override", "env", key, "value", v)
			continue
		}
		temps[level] = f
	}
	return temps
}

// Close releases the database handle.
func (s *Service) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the user's score and level, inserting a fresh record at
// the bottom of the scale for first-time users.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (score float64, level int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT affection_score, last_level FROM user_affection WHERE user_id = ?`,
		userID).Scan(&score, &level)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO user_affection (user_id, affection_score, last_level, total_interactions, last_interact_at)
			VALUES (?, 0.0, -2, 0, ?)`,
			userID, time.Now().Format(time.RFC3339))
		if err != nil {
			return 0, 0, fmt.Errorf("affection: create user %s: %w", userID, err)
		}
		return 0.0, MinLevel, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("affection: lookup %s: %w", userID, err)
	}
	return score, level, nil
}

// Update applies one conversation round and returns the new score. Called
// after every successful reply.
func (s *Service) Update(ctx context.Context, userID, userMessage string) (float64, error) {
	oldScore, _, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}

	delta := ScoreDelta(userMessage, oldScore)
	newScore := ClampScore(oldScore + delta)
	newLevel := ScoreToLevel(newScore)

	_, err = s.db.ExecContext(ctx, `
		UPDATE user_affection
		SET affection_score = ?, last_level = ?,
		    total_interactions = total_interactions + 1,
		    last_interact_at = ?
		WHERE user_id = ?`,
		newScore, newLevel, time.Now().Format(time.RFC3339), userID)
	if err != nil {
		return 0, fmt.Errorf("affection: update %s: %w", userID, err)
	}

	if delta >= 0.1 || delta <= -0.1 {
		s.logger.Debug("affection changed",
			"user_id", userID, "old", oldScore, "new", newScore, "delta", delta)
	}
	return newScore, nil
}

// TemperatureFor returns the generator temperature for this user's level, or
// defaultTemp when the user is new or the level has no override.
func (s *Service) TemperatureFor(ctx context.Context, userID string, defaultTemp float64) (float64, error) {
	score, _, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return defaultTemp, err
	}
	if score <= 0.0 {
		return defaultTemp, nil
	}
	if t, ok := s.levelTemps[ScoreToLevel(score)]; ok {
		return t, nil
	}
	return defaultTemp, nil
}

// Info returns display data for one user. Unknown users get a zeroed record
// at the bottom level rather than an error.
func (s *Service) Info(ctx context.Context, userID string) (UserInfo, error) {
	var (
		info   UserInfo
		lastAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT affection_score, last_level, total_interactions, last_interact_at
		FROM user_affection WHERE user_id = ?`, userID).
		Scan(&info.Score, &info.Level, &info.TotalInteractions, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserInfo{UserID: userID, Level: MinLevel, LevelName: LevelName(MinLevel)}, nil
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("affection: info %s: %w", userID, err)
	}
	info.UserID = userID
	info.LevelName = LevelName(info.Level)
	if lastAt.Valid {
		info.LastInteractAt, _ = time.Parse(time.RFC3339, lastAt.String)
	}
	return info, nil
}

// GetOverview aggregates totals and the per-level population.
func (s *Service) GetOverview(ctx context.Context) (Overview, error) {
	ov := Overview{LevelCounts: make(map[int]int)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(affection_score), 0) FROM user_affection`).
		Scan(&ov.TotalUsers, &ov.AvgScore); err != nil {
		return ov, fmt.Errorf("affection: overview: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT last_level, COUNT(*) FROM user_affection GROUP BY last_level`)
	if err != nil {
		return ov, fmt.Errorf("affection: overview levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return ov, err
		}
		ov.LevelCounts[level] = count
	}
	return ov, rows.Err()
}

// ListUsers returns a page of users ordered by score descending.
func (s *Service) ListUsers(ctx context.Context, page, pageSize int, filter ListFilter) (UserPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var conds []string
	var args []any
	if filter.HasLevel {
		conds = append(conds, "last_level = ?")
		args = append(args, filter.Level)
	}
	if filter.Keyword != "" {
		conds = append(conds, "user_id LIKE ?")
		args = append(args, "%"+filter.Keyword+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_affection "+where, args...).Scan(&total); err != nil {
		return UserPage{}, fmt.Errorf("affection: count users: %w", err)
	}

	query := `
		SELECT user_id, affection_score, last_level, total_interactions, last_interact_at
		FROM user_affection ` + where + `
		ORDER BY affection_score DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return UserPage{}, fmt.Errorf("affection: list users: %w", err)
	}
	defer rows.Close()

	pageOut := UserPage{Total: total, Page: page, PageSize: pageSize}
	for rows.Next() {
		var (
			info   UserInfo
			lastAt sql.NullString
		)
		if err := rows.Scan(&info.UserID, &info.Score, &info.Level, &info.TotalInteractions, &lastAt); err != nil {
			return UserPage{}, err
		}
		info.LevelName = LevelName(info.Level)
		if lastAt.Valid {
			info.LastInteractAt, _ = time.Parse(time.RFC3339, lastAt.String)
		}
		pageOut.Items = append(pageOut.Items, info)
	}
	return pageOut, rows.Err()
}

// AdminSetScore overrides a user's score directly. The score is clamped to
// the valid range and the level recomputed.
func (s *Service) AdminSetScore(ctx context.Context, userID string, newScore float64) (UserInfo, error) {
	newScore = ClampScore(newScore)
	newLevel := ScoreToLevel(newScore)

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_affection SET affection_score = ?, last_level = ?
		WHERE user_id = ?`, newScore, newLevel, userID)
	if err != nil {
		return UserInfo{}, fmt.Errorf("affection: admin set %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return UserInfo{}, ErrUnknownUser
	}

	s.logger.Info("affection overridden by admin",
		"user_id", userID, "score", newScore, "level", newLevel)
	return s.Info(ctx, userID)
}
