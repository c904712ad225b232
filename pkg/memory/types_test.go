package memory

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestPairContent(t *testing.T) {
	got := PairContent("你好", "你好呀")
	want := "User问: 你好\nBot答: 你好呀"
	if got != want {
		t.Errorf("PairContent = %q, want %q", got, want)
	}
}

func TestTimeWeightedScore(t *testing.T) {
	now := time.Now()

	fresh := TimeWeightedScore(0.8, now, now)
	if math.Abs(fresh-0.8*1.3) > 1e-9 {
		t.Errorf("fresh hit should get the full 30%% boost, got %f", fresh)
	}

	week := TimeWeightedScore(0.8, now.Add(-7*24*time.Hour), now)
	wantWeek := 0.8 * (1 + 0.3*math.Exp(-1))
	if math.Abs(week-wantWeek) > 1e-9 {
		t.Errorf("week-old hit: got %f, want %f", week, wantWeek)
	}

	ancient := TimeWeightedScore(0.8, now.Add(-365*24*time.Hour), now)
	if ancient < 0.8 || ancient > 0.801 {
		t.Errorf("ancient hit should decay to raw similarity, got %f", ancient)
	}

	// Clock skew must not amplify beyond the fresh boost.
	future := TimeWeightedScore(0.8, now.Add(time.Hour), now)
	if math.Abs(future-fresh) > 1e-9 {
		t.Errorf("future timestamp should clamp to fresh, got %f", future)
	}
}

func TestFormatBlock(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 0, 0, time.Local)
	hits := []Hit{
		{Role: RolePair, Content: "User问: 猫\nBot答: 好", Timestamp: ts},
		{Role: RoleSummary, Content: "用户喜欢猫", Sender: "小明", Timestamp: ts},
	}

	block := FormatBlock(hits, 0)
	lines := strings.Split(block, "\n")
	// The first hit's content itself spans two lines.
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), block)
	}
	if !strings.HasPrefix(lines[0], "- [03-14 15:09] [Pair] ") {
		t.Errorf("bad pair line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "- [03-14 15:09] [小明] [summary] ") {
		t.Errorf("bad summary line: %q", lines[2])
	}
}

func TestFormatBlockRespectsBudget(t *testing.T) {
	ts := time.Now()
	hits := []Hit{
		{Role: RolePair, Content: "第一条", Timestamp: ts},
		{Role: RolePair, Content: strings.Repeat("很长", 200), Timestamp: ts},
	}

	block := FormatBlock(hits, 50)
	if !strings.Contains(block, "第一条") {
		t.Errorf("first hit should always fit: %q", block)
	}
	if strings.Contains(block, "很长") {
		t.Errorf("over-budget hit should be dropped: %q", block)
	}
}

func TestFormatBlockEmpty(t *testing.T) {
	if got := FormatBlock(nil, 100); got != "" {
		t.Errorf("expected empty block, got %q", got)
	}
}
