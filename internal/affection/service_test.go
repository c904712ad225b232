package affection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(filepath.Join(t.TempDir(), "affection.db"), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateNewUser(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	score, level, err := s.GetOrCreate(ctx, "10001")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if score != 0.0 || level != MinLevel {
		t.Errorf("new user = (%f, %d), want (0, -2)", score, level)
	}

	// Second call returns the same record without reinserting.
	score2, _, err := s.GetOrCreate(ctx, "10001")
	if err != nil || score2 != score {
		t.Errorf("second GetOrCreate = %f, %v", score2, err)
	}
}

func TestUpdateRaisesScoreAndCountsInteraction(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	newScore, err := s.Update(ctx, "10001", "谢谢你！今天聊得很开心～")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newScore <= 0 {
		t.Errorf("score = %f, want positive after friendly message", newScore)
	}

	info, err := s.Info(ctx, "10001")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.TotalInteractions != 1 {
		t.Errorf("interactions = %d, want 1", info.TotalInteractions)
	}
	if info.LastInteractAt.IsZero() {
		t.Error("last_interact_at not set")
	}
}

func TestUpdateNeverGoesBelowZero(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for range 5 {
		if _, err := s.Update(ctx, "10001", "烦死了，滚"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	score, _, err := s.GetOrCreate(ctx, "10001")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if score < MinScore {
		t.Errorf("score = %f, fell below floor", score)
	}
}

func TestTemperatureFor(t *testing.T) {
	t.Setenv("YUKI_AFF_TEMP_WARM", "0.9")

	ctx := context.Background()
	s := newTestService(t)

	// New user keeps the default temperature.
	temp, err := s.TemperatureFor(ctx, "fresh", 0.7)
	if err != nil || temp != 0.7 {
		t.Errorf("new user temp = %f, %v; want default", temp, err)
	}

	// Push a user into the 热情 band (level 5, score 7.1..8.0) directly.
	if _, _, err := s.GetOrCreate(ctx, "10001"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := s.AdminSetScore(ctx, "10001", 7.5); err != nil {
		t.Fatalf("AdminSetScore: %v", err)
	}
	temp, err = s.TemperatureFor(ctx, "10001", 0.7)
	if err != nil || temp != 0.9 {
		t.Errorf("level-5 temp = %f, %v; want env override 0.9", temp, err)
	}

	// A level without an override falls back to the default.
	if _, err := s.AdminSetScore(ctx, "10001", 4.5); err != nil {
		t.Fatalf("AdminSetScore: %v", err)
	}
	temp, err = s.TemperatureFor(ctx, "10001", 0.7)
	if err != nil || temp != 0.7 {
		t.Errorf("unconfigured level temp = %f, %v; want default", temp, err)
	}
}

func TestInfoUnknownUser(t *testing.T) {
	s := newTestService(t)
	info, err := s.Info(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Score != 0 || info.Level != MinLevel || info.LevelName != "讨厌" {
		t.Errorf("unknown user info = %+v", info)
	}
}

func TestOverviewAndListUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for _, u := range []string{"alice", "bob", "carol"} {
		if _, _, err := s.GetOrCreate(ctx, u); err != nil {
			t.Fatalf("GetOrCreate %s: %v", u, err)
		}
	}
	if _, err := s.AdminSetScore(ctx, "alice", 9.5); err != nil {
		t.Fatalf("AdminSetScore: %v", err)
	}
	if _, err := s.AdminSetScore(ctx, "bob", 4.2); err != nil {
		t.Fatalf("AdminSetScore: %v", err)
	}

	ov, err := s.GetOverview(ctx)
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if ov.TotalUsers != 3 {
		t.Errorf("total = %d", ov.TotalUsers)
	}
	if ov.LevelCounts[7] != 1 || ov.LevelCounts[2] != 1 || ov.LevelCounts[-2] != 1 {
		t.Errorf("level counts = %v", ov.LevelCounts)
	}

	page, err := s.ListUsers(ctx, 1, 10, ListFilter{})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].UserID != "alice" {
		t.Errorf("first by score = %s, want alice", page.Items[0].UserID)
	}

	filtered, err := s.ListUsers(ctx, 1, 10, ListFilter{Level: 2, HasLevel: true})
	if err != nil {
		t.Fatalf("ListUsers filtered: %v", err)
	}
	if len(filtered.Items) != 1 || filtered.Items[0].UserID != "bob" {
		t.Errorf("level filter = %+v", filtered.Items)
	}

	byName, err := s.ListUsers(ctx, 1, 10, ListFilter{Keyword: "car"})
	if err != nil {
		t.Fatalf("ListUsers keyword: %v", err)
	}
	if len(byName.Items) != 1 || byName.Items[0].UserID != "carol" {
		t.Errorf("keyword filter = %+v", byName.Items)
	}
}

func TestAdminSetScore(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if _, err := s.AdminSetScore(ctx, "ghost", 5.0); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}

	if _, _, err := s.GetOrCreate(ctx, "10001"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	info, err := s.AdminSetScore(ctx, "10001", 99)
	if err != nil {
		t.Fatalf("AdminSetScore: %v", err)
	}
	if info.Score != MaxScore || info.Level != MaxLevel {
		t.Errorf("clamped = %+v", info)
	}
}
