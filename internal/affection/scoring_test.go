package affection

import (
	"strings"
	"testing"
)

func TestScoreToLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0.0, -2},
		{1.0, -2},
		{1.5, -1},
		{2.5, 0},
		{3.5, 1},
		{7.5, 5},
		{10.5, 8},
		{11.3, 9},
		{11.8, 10},
		{12.3, 11},
		{12.7, 12},
		{13.0, 13},
		{-5.0, -2},
		{99.0, 13},
	}
	for _, tt := range tests {
		if got := ScoreToLevel(tt.score); got != tt.want {
			t.Errorf("ScoreToLevel(%.1f) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

func TestLevelName(t *testing.T) {
	if LevelName(-2) != "讨厌" {
		t.Errorf("LevelName(-2) = %q", LevelName(-2))
	}
	if LevelName(13) != "永恒" {
		t.Errorf("LevelName(13) = %q", LevelName(13))
	}
	if LevelName(42) != "未知" {
		t.Errorf("LevelName(42) = %q", LevelName(42))
	}
}

func TestScoreDeltaSignals(t *testing.T) {
	// All at oldScore 5 so the coefficient is 1.0 and raw deltas compare
	// directly.
	const mid = 5.0

	base := ScoreDelta("今天去公园散步了", mid)
	if base <= 0 {
		t.Fatalf("baseline delta = %f, want positive", base)
	}

	if d := ScoreDelta("谢谢你！抱抱～", mid); d <= base {
		t.Errorf("positive words delta %f not above baseline %f", d, base)
	}
	if d := ScoreDelta("我爱你", mid); d <= ScoreDelta("谢谢", mid) {
		t.Errorf("strong positive %f not above light positive", d)
	}
	if d := ScoreDelta("烦死了，滚", mid); d >= 0 {
		t.Errorf("strong negative delta = %f, want negative", d)
	}
	if d := ScoreDelta("有点无聊", mid); d >= base {
		t.Errorf("light negative %f not below baseline %f", d, base)
	}
	if d := ScoreDelta("嗯", mid); d >= base {
		t.Errorf("cold reply %f not below baseline %f", d, base)
	}
	if d := ScoreDelta("你觉得呢？", mid); d <= base {
		t.Errorf("question delta %f not above baseline %f", d, base)
	}

	long := strings.Repeat("很", 101) + "长的一段真心话"
	if d := ScoreDelta(long, mid); d <= base {
		t.Errorf("long message delta %f not above baseline %f", d, base)
	}
}

func TestScoreDeltaLightHitsCapped(t *testing.T) {
	// Five light keywords only count up to +0.15.
	many := "谢谢 可爱 厉害 开心 高兴"
	three := "谢谢 可爱 厉害"
	if d1, d2 := ScoreDelta(many, 5.0), ScoreDelta(three, 5.0); d1 != d2 {
		t.Errorf("light-word bonus uncapped: %f vs %f", d1, d2)
	}
}

func TestGrowthSlowsNearTheTop(t *testing.T) {
	msg := "谢谢你，今天聊得很开心！"
	low := ScoreDelta(msg, 1.0)
	high := ScoreDelta(msg, 12.8)
	if high >= low {
		t.Errorf("delta at 12.8 (%f) not below delta at 1.0 (%f)", high, low)
	}
	// Coefficient at the very top is 0.1 vs 1.2 at the bottom.
	if high > low/5 {
		t.Errorf("top-level growth %f too fast relative to %f", high, low)
	}
}

func TestScoreDeltaClamped(t *testing.T) {
	if d := ScoreDelta(strings.Repeat("我爱你谢谢抱抱", 50), 1.0); d > maxRoundDelta {
		t.Errorf("delta %f exceeds cap", d)
	}
}

func TestClampScore(t *testing.T) {
	if ClampScore(-1) != MinScore {
		t.Error("negative score not clamped")
	}
	if ClampScore(20) != MaxScore {
		t.Error("oversized score not clamped")
	}
	if ClampScore(6.5) != 6.5 {
		t.Error("in-range score modified")
	}
}
