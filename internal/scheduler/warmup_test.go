package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tsukishiro/yukibot/internal/shortterm"
)

type fakeHistorySource struct {
	selfID    string
	selfErr   error
	histories map[string][]HistoryMessage
	groups    map[string][]HistoryMessage
	histErr   map[string]error
	fetched   []string
}

func (f *fakeHistorySource) SelfID(context.Context) (string, error) {
	return f.selfID, f.selfErr
}

func (f *fakeHistorySource) UserHistory(_ context.Context, userID string, _ int) ([]HistoryMessage, error) {
	f.fetched = append(f.fetched, userID)
	if err := f.histErr[userID]; err != nil {
		return nil, err
	}
	return f.histories[userID], nil
}

func (f *fakeHistorySource) GroupHistory(_ context.Context, groupID string, _ int) ([]HistoryMessage, error) {
	f.fetched = append(f.fetched, "g:"+groupID)
	if err := f.histErr[groupID]; err != nil {
		return nil, err
	}
	return f.groups[groupID], nil
}

type fakeActiveUsers struct {
	users []string
	err   error
	limit int
}

func (f *fakeActiveUsers) RecentActiveUsers(_ context.Context, limit int) ([]string, error) {
	f.limit = limit
	return f.users, f.err
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 24, 10, 0, sec, 0, time.UTC)
}

func TestPairHistory(t *testing.T) {
	const self = "10000"
	tests := []struct {
		name string
		msgs []HistoryMessage
		want []shortterm.Round
	}{
		{
			name: "simple exchange",
			msgs: []HistoryMessage{
				{SenderID: "u1", Text: "在吗", Time: at(0)},
				{SenderID: self, Text: "嗯", Time: at(1)},
			},
			want: []shortterm.Round{{Query: "在吗", Reply: "嗯"}},
		},
		{
			name: "out of order input is sorted first",
			msgs: []HistoryMessage{
				{SenderID: self, Text: "嗯", Time: at(1)},
				{SenderID: "u1", Text: "在吗", Time: at(0)},
			},
			want: []shortterm.Round{{Query: "在吗", Reply: "嗯"}},
		},
		{
			name: "consecutive user messages keep the newest",
			msgs: []HistoryMessage{
				{SenderID: "u1", Text: "第一句", Time: at(0)},
				{SenderID: "u1", Text: "第二句", Time: at(1)},
				{SenderID: self, Text: "听到了", Time: at(2)},
			},
			want: []shortterm.Round{{Query: "第二句", Reply: "听到了"}},
		},
		{
			name: "command replies are never paired",
			msgs: []HistoryMessage{
				{SenderID: "u1", Text: "/status", Time: at(0)},
				{SenderID: self, Text: "运行中", Time: at(1)},
				{SenderID: "u1", Text: "你好", Time: at(2)},
				{SenderID: self, Text: "嗯，你好", Time: at(3)},
			},
			want: []shortterm.Round{{Query: "你好", Reply: "嗯，你好"}},
		},
		{
			name: "command resets an earlier pending query",
			msgs: []HistoryMessage{
				{SenderID: "u1", Text: "记得我吗", Time: at(0)},
				{SenderID: "u1", Text: "/clear", Time: at(1)},
				{SenderID: self, Text: "已清除", Time: at(2)},
			},
			want: nil,
		},
		{
			name: "bot message without pending query is dropped",
			msgs: []HistoryMessage{
				{SenderID: self, Text: "早", Time: at(0)},
			},
			want: nil,
		},
		{
			name: "sender name carries into the round",
			msgs: []HistoryMessage{
				{SenderID: "u1", SenderName: "小明", Text: "昨天的事", Time: at(0)},
				{SenderID: self, Text: "记得", Time: at(1)},
			},
			want: []shortterm.Round{{Query: "昨天的事", Reply: "记得", Sender: "小明"}},
		},
		{
			name: "blank messages are skipped",
			msgs: []HistoryMessage{
				{SenderID: "u1", Text: "  ", Time: at(0)},
				{SenderID: "u1", Text: "有图吗", Time: at(1)},
				{SenderID: self, Text: "", Time: at(2)},
				{SenderID: self, Text: "没有", Time: at(3)},
			},
			want: []shortterm.Round{{Query: "有图吗", Reply: "没有"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PairHistory(tt.msgs, self)
			if len(got) != len(tt.want) {
				t.Fatalf("rounds = %d, want %d (%+v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Query != tt.want[i].Query || got[i].Reply != tt.want[i].Reply {
					t.Errorf("round %d = %+v, want %+v", i, got[i], tt.want[i])
				}
				if tt.want[i].Sender != "" && got[i].Sender != tt.want[i].Sender {
					t.Errorf("round %d sender = %q, want %q", i, got[i].Sender, tt.want[i].Sender)
				}
			}
		})
	}
}

func TestWarmupRun_RestoresScenes(t *testing.T) {
	buffer := shortterm.New()
	source := &fakeHistorySource{
		selfID: "10000",
		histories: map[string][]HistoryMessage{
			"u1": {
				{SenderID: "u1", Text: "还记得上次聊的吗", Time: at(0)},
				{SenderID: "10000", Text: "记得", Time: at(1)},
			},
			"u3": {},
		},
		histErr: map[string]error{"u2": errors.New("network down")},
	}
	users := &fakeActiveUsers{users: []string{"u1", "u2", "u3"}}

	w := NewWarmup(source, users, buffer, 0, nil, slog.Default())
	w.Run(context.Background())

	if users.limit != defaultWarmupScenes {
		t.Errorf("user limit = %d, want %d", users.limit, defaultWarmupScenes)
	}
	if buffer.Len("u1") != 1 {
		t.Errorf("u1 rounds = %d, want 1", buffer.Len("u1"))
	}
	rounds := buffer.Rounds("u1")
	if rounds[0].Query != "还记得上次聊的吗" || rounds[0].Reply != "记得" {
		t.Errorf("u1 round = %+v", rounds[0])
	}
	// Fetch failure and empty history both leave the scene cold.
	if buffer.Has("u2") || buffer.Has("u3") {
		t.Error("failed or empty scenes should stay cold")
	}
}

func TestWarmupRun_RestoresGroupScenes(t *testing.T) {
	buffer := shortterm.New()
	source := &fakeHistorySource{
		selfID: "10000",
		groups: map[string][]HistoryMessage{
			"30001": {
				{SenderID: "u1", SenderName: "小明", Text: "雪在吗", Time: at(0)},
				{SenderID: "10000", Text: "在的", Time: at(1)},
			},
		},
		histErr: map[string]error{"30002": errors.New("group unreachable")},
	}
	users := &fakeActiveUsers{}

	w := NewWarmup(source, users, buffer, 5, []string{"30001", "30002"}, nil)
	w.Run(context.Background())

	if buffer.Len("30001") != 1 {
		t.Fatalf("group rounds = %d, want 1", buffer.Len("30001"))
	}
	round := buffer.Rounds("30001")[0]
	if round.Query != "雪在吗" || round.Reply != "在的" || round.Sender != "小明" {
		t.Errorf("group round = %+v", round)
	}
	if buffer.Has("30002") {
		t.Error("unreachable group should stay cold")
	}
}

func TestWarmupRun_SkipsWarmScenes(t *testing.T) {
	buffer := shortterm.New()
	buffer.Append("u1", "已有对话", "嗯", "")
	source := &fakeHistorySource{selfID: "10000"}
	users := &fakeActiveUsers{users: []string{"u1"}}

	NewWarmup(source, users, buffer, 5, nil, nil).Run(context.Background())

	if len(source.fetched) != 0 {
		t.Errorf("fetched %v, want no history calls for warm scenes", source.fetched)
	}
	if buffer.Len("u1") != 1 {
		t.Errorf("existing rounds disturbed: %d", buffer.Len("u1"))
	}
}

func TestWarmupRun_AbortsWithoutSelfID(t *testing.T) {
	buffer := shortterm.New()
	source := &fakeHistorySource{selfErr: errors.New("gateway offline")}
	users := &fakeActiveUsers{users: []string{"u1"}}

	NewWarmup(source, users, buffer, 5, []string{"30001"}, nil).Run(context.Background())

	if len(source.fetched) != 0 {
		t.Error("no history should be fetched when the self id is unknown")
	}
}
