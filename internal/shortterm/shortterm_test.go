package shortterm

import (
	"fmt"
	"strings"
	"testing"
)

func TestAppendAndHas(t *testing.T) {
	b := New()
	if b.Has("u1") {
		t.Error("empty scene reported as populated")
	}

	b.Append("u1", "你好", "……嗯", "小明")
	if !b.Has("u1") || b.Len("u1") != 1 {
		t.Errorf("Has=%v Len=%d", b.Has("u1"), b.Len("u1"))
	}
	if b.Has("u2") {
		t.Error("scenes not isolated")
	}

	rounds := b.Rounds("u1")
	if len(rounds) != 1 || rounds[0].Sender != "小明" {
		t.Errorf("rounds = %+v", rounds)
	}
}

func TestAppendEvictsBeyondCap(t *testing.T) {
	b := New()
	for i := 0; i < MaxRounds+10; i++ {
		b.Append("u1", fmt.Sprintf("q%d", i), "r", "")
	}
	if b.Len("u1") != MaxRounds {
		t.Fatalf("len = %d, want %d", b.Len("u1"), MaxRounds)
	}
	rounds := b.Rounds("u1")
	if rounds[0].Query != "q10" {
		t.Errorf("oldest kept = %s, want q10", rounds[0].Query)
	}
	if rounds[len(rounds)-1].Query != fmt.Sprintf("q%d", MaxRounds+9) {
		t.Errorf("newest = %s", rounds[len(rounds)-1].Query)
	}
}

func TestRestore(t *testing.T) {
	b := New()
	b.Append("u1", "stale", "stale", "")

	warm := make([]Round, MaxRounds+5)
	for i := range warm {
		warm[i] = Round{Query: fmt.Sprintf("h%d", i), Reply: "r"}
	}
	b.Restore("u1", warm)

	if b.Len("u1") != MaxRounds {
		t.Fatalf("len = %d after restore", b.Len("u1"))
	}
	if got := b.Rounds("u1")[0].Query; got != "h5" {
		t.Errorf("oldest after restore = %s, want h5", got)
	}
}

func TestDefaultSenderName(t *testing.T) {
	b := New()
	b.Append("u1", "q", "r", "")
	if got := b.Rounds("u1")[0].Sender; got != "用户" {
		t.Errorf("sender = %q", got)
	}
}

func TestFormatRecentPrivate(t *testing.T) {
	b := New()
	b.Append("u1", "今天好冷", "……多穿点。", "")
	b.Append("u1", "你关心我吗", "没有。", "")

	got := b.FormatRecent("u1", FormatOptions{
		UserName:    "小明",
		PersonaName: "月代雪",
		MaxRounds:   6,
		MaxChars:    400,
	})
	want := "小明：今天好冷\n月代雪：……多穿点。\n小明：你关心我吗\n月代雪：没有。"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestFormatRecentGroupUsesSenders(t *testing.T) {
	b := New()
	b.Append("g1", "在吗", "嗯。", "小红")
	b.Append("g1", "一起玩吗", "不去。", "小刚")

	got := b.FormatRecent("g1", FormatOptions{
		UserName:    "当前用户",
		PersonaName: "月代雪",
		MaxRounds:   4,
		MaxChars:    400,
		Group:       true,
	})
	if !strings.Contains(got, "小红：在吗") || !strings.Contains(got, "小刚：一起玩吗") {
		t.Errorf("group format lost senders:\n%s", got)
	}
	if strings.Contains(got, "当前用户") {
		t.Error("group format used the private user name")
	}
}

func TestFormatRecentRoundLimit(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.Append("u1", fmt.Sprintf("q%d", i), "r", "")
	}
	got := b.FormatRecent("u1", FormatOptions{
		UserName: "u", PersonaName: "p", MaxRounds: 2, MaxChars: 400,
	})
	if strings.Contains(got, "q7") || !strings.Contains(got, "q8") || !strings.Contains(got, "q9") {
		t.Errorf("round limit not applied:\n%s", got)
	}
}

func TestFormatRecentCharBudgetKeepsNewest(t *testing.T) {
	b := New()
	b.Append("u1", strings.Repeat("旧", 50), strings.Repeat("旧", 50), "")
	b.Append("u1", "新问题", "新回答", "")

	got := b.FormatRecent("u1", FormatOptions{
		UserName: "u", PersonaName: "p", MaxRounds: 6, MaxChars: 30,
	})
	if strings.Contains(got, "旧") {
		t.Errorf("old round survived the char budget:\n%s", got)
	}
	if !strings.Contains(got, "新问题") {
		t.Errorf("newest round dropped:\n%s", got)
	}
}

func TestFormatRecentEmptyScene(t *testing.T) {
	b := New()
	if got := b.FormatRecent("nobody", FormatOptions{UserName: "u", PersonaName: "p"}); got != "" {
		t.Errorf("empty scene rendered %q", got)
	}
}

func TestClear(t *testing.T) {
	b := New()
	b.Append("u1", "q", "r", "")
	b.Clear("u1")
	if b.Has("u1") {
		t.Error("scene survived Clear")
	}
}
