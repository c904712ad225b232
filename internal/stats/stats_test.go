package stats

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(filepath.Join(t.TempDir(), "stats.db"), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordIncomingCountsNewUsersOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for range 3 {
		if err := s.RecordIncoming(ctx, "10001"); err != nil {
			t.Fatalf("RecordIncoming: %v", err)
		}
	}
	if err := s.RecordIncoming(ctx, "10002"); err != nil {
		t.Fatalf("RecordIncoming: %v", err)
	}

	g, err := s.GetGlobal(ctx)
	if err != nil {
		t.Fatalf("GetGlobal: %v", err)
	}
	if g.TotalUsers != 2 {
		t.Errorf("total_users = %d, want 2", g.TotalUsers)
	}
	if g.TotalMsgReceived != 4 {
		t.Errorf("total_msg_received = %d, want 4", g.TotalMsgReceived)
	}

	day, err := s.GetToday(ctx)
	if err != nil {
		t.Fatalf("GetToday: %v", err)
	}
	if day.MsgReceived != 4 {
		t.Errorf("today received = %d, want 4", day.MsgReceived)
	}
}

func TestRecordOutgoing(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if err := s.RecordIncoming(ctx, "10001"); err != nil {
		t.Fatalf("RecordIncoming: %v", err)
	}
	for range 2 {
		if err := s.RecordOutgoing(ctx, "10001"); err != nil {
			t.Fatalf("RecordOutgoing: %v", err)
		}
	}

	g, _ := s.GetGlobal(ctx)
	if g.TotalMsgSent != 2 {
		t.Errorf("total_msg_sent = %d, want 2", g.TotalMsgSent)
	}
}

func TestModelFamily(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"deepseek-ai/DeepSeek-R1", FamilyR1},
		{"deepseek-ai/DeepSeek-V3", FamilyV3},
		{"Qwen/Qwen2.5-7B-Instruct", FamilyV3},
	}
	for _, tt := range tests {
		if got := ModelFamily(tt.model); got != tt.want {
			t.Errorf("ModelFamily(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestRecordLLMUsageSplitsFamilies(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if err := s.RecordLLMUsage(ctx, "deepseek-ai/DeepSeek-R1", 1000, 500); err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}
	if err := s.RecordLLMUsage(ctx, "deepseek-ai/DeepSeek-V3", 2000, 1000); err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}
	if err := s.RecordLLMUsage(ctx, "deepseek-ai/DeepSeek-V3", 100, 50); err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}

	g, err := s.GetGlobal(ctx)
	if err != nil {
		t.Fatalf("GetGlobal: %v", err)
	}
	if g.R1InputTokens != 1000 || g.R1OutputTokens != 500 || g.R1Calls != 1 {
		t.Errorf("r1 = %d/%d/%d", g.R1InputTokens, g.R1OutputTokens, g.R1Calls)
	}
	if g.V3InputTokens != 2100 || g.V3OutputTokens != 1050 || g.V3Calls != 2 {
		t.Errorf("v3 = %d/%d/%d", g.V3InputTokens, g.V3OutputTokens, g.V3Calls)
	}

	wantR1 := 1500 * 16.0 / 1_000_000
	wantV3 := 3150 * 3.0 / 1_000_000
	if math.Abs(g.R1Cost-wantR1) > 1e-9 || math.Abs(g.V3Cost-wantV3) > 1e-9 {
		t.Errorf("cost = %f/%f, want %f/%f", g.R1Cost, g.V3Cost, wantR1, wantV3)
	}
	if math.Abs(g.TotalCost-(wantR1+wantV3)) > 1e-9 {
		t.Errorf("total cost = %f", g.TotalCost)
	}
}

func TestGetDaily(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if err := s.RecordIncoming(ctx, "u1"); err != nil {
		t.Fatalf("RecordIncoming: %v", err)
	}
	if err := s.RecordLLMUsage(ctx, "DeepSeek-V3", 100, 100); err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}

	days, err := s.GetDaily(ctx, 7)
	if err != nil {
		t.Fatalf("GetDaily: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("days = %d", len(days))
	}
	if days[0].MsgReceived != 1 || days[0].V3Tokens != 200 || days[0].V3Calls != 1 {
		t.Errorf("today = %+v", days[0])
	}
}

func TestGetTodayEmpty(t *testing.T) {
	s := newTestService(t)
	day, err := s.GetToday(context.Background())
	if err != nil {
		t.Fatalf("GetToday: %v", err)
	}
	if day.MsgReceived != 0 || day.MsgSent != 0 {
		t.Errorf("empty day = %+v", day)
	}
}

func TestRecentActiveUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	// last_seen has second resolution, so later users need distinct inserts;
	// recency is by last message. Order of first contact suffices here since
	// all writes land within one second and the sort is stable only by
	// timestamp. Use distinct users and just check membership and limit.
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := s.RecordIncoming(ctx, u); err != nil {
			t.Fatalf("RecordIncoming: %v", err)
		}
	}

	users, err := s.RecentActiveUsers(ctx, 2)
	if err != nil {
		t.Fatalf("RecentActiveUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("got %d users, want 2", len(users))
	}
	all, err := s.RecentActiveUsers(ctx, 10)
	if err != nil || len(all) != 3 {
		t.Errorf("all users = %v, %v", all, err)
	}
}
