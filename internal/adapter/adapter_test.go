package adapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tsukishiro/yukibot/internal/adapter"
	"github.com/tsukishiro/yukibot/internal/config"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// gateway is a scripted OneBot endpoint. It answers API frames by action
// and can push events to the connected client.
type gateway struct {
	t      *testing.T
	srv    *httptest.Server
	events chan any

	mu        sync.Mutex
	actions   []map[string]any
	histories map[string]any
	fail      map[string]bool
	authz     string
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		t:         t,
		events:    make(chan any, 8),
		histories: map[string]any{},
		fail:      map[string]bool{},
	}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.authz = r.Header.Get("Authorization")
		g.mu.Unlock()
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		g.serve(conn)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-g.events:
				g.write(conn, ev)
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		g.mu.Lock()
		g.actions = append(g.actions, frame)
		g.mu.Unlock()
		g.respond(conn, frame)
	}
}

func (g *gateway) respond(conn *websocket.Conn, frame map[string]any) {
	echo, _ := frame["echo"].(string)
	action, _ := frame["action"].(string)
	resp := map[string]any{"status": "ok", "retcode": 0, "echo": echo}
	g.mu.Lock()
	failed := g.fail[action]
	g.mu.Unlock()
	switch {
	case failed:
		resp["status"] = "failed"
		resp["retcode"] = 1400
		resp["wording"] = "参数错误"
	case action == "get_login_info":
		resp["data"] = map[string]any{"user_id": 10000, "nickname": "雪"}
	case action == "get_friend_msg_history" || action == "get_group_msg_history":
		g.mu.Lock()
		resp["data"] = g.histories[action]
		g.mu.Unlock()
	}
	g.write(conn, resp)
}

func (g *gateway) write(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		g.t.Logf("gateway write: %v (may be expected on close)", err)
	}
}

func (g *gateway) recorded(action string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []map[string]any
	for _, f := range g.actions {
		if f["action"] == action {
			out = append(out, f)
		}
	}
	return out
}

// startClient runs a client against the gateway and waits until the login
// handshake completed.
func startClient(t *testing.T, g *gateway, handler adapter.Handler, token string) *adapter.Client {
	t.Helper()
	c := adapter.NewClient(config.AdapterConfig{
		URL:              wsURL(g.srv),
		AccessToken:      token,
		ReconnectSeconds: 1,
	}, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if id, err := c.SelfID(ctx); err == nil && id == "10000" {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never finished the login handshake")
	return nil
}

func TestRun_ParsesGroupMessageEvent(t *testing.T) {
	g := startGateway(t)
	got := make(chan adapter.Message, 1)
	startClient(t, g, func(_ context.Context, msg adapter.Message) { got <- msg }, "")

	g.events <- map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   42,
		"user_id":      20001,
		"group_id":     30001,
		"self_id":      10000,
		"time":         1724481000,
		"sender":       map[string]any{"user_id": 20001, "nickname": "小明", "card": "明明"},
		"message": []any{
			map[string]any{"type": "at", "data": map[string]any{"qq": "10000"}},
			map[string]any{"type": "text", "data": map[string]any{"text": "雪，看这个"}},
			map[string]any{"type": "image", "data": map[string]any{
				"url": "https://img.example/1.png", "summary": "[动画表情]",
			}},
		},
	}

	select {
	case msg := <-got:
		if msg.UserID != "20001" || msg.GroupID != "30001" {
			t.Errorf("ids = %s/%s", msg.UserID, msg.GroupID)
		}
		if msg.UserName != "明明" {
			t.Errorf("user name = %q, want the group card", msg.UserName)
		}
		if !msg.ToMe {
			t.Error("an @-mention should set ToMe")
		}
		if msg.Text() != "雪，看这个" {
			t.Errorf("text = %q", msg.Text())
		}
		if len(msg.Parts) != 2 {
			t.Fatalf("parts = %d, want text + image", len(msg.Parts))
		}
		img := msg.Parts[1]
		if img.ImageURL != "https://img.example/1.png" || !img.Emoji {
			t.Errorf("image part = %+v", img)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestRun_GroupMessageWithoutMentionIsNotToMe(t *testing.T) {
	g := startGateway(t)
	got := make(chan adapter.Message, 1)
	startClient(t, g, func(_ context.Context, msg adapter.Message) { got <- msg }, "")

	g.events <- map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"user_id":      20001,
		"group_id":     30001,
		"sender":       map[string]any{"user_id": 20001, "nickname": "小明"},
		"message": []any{
			map[string]any{"type": "text", "data": map[string]any{"text": "大家好"}},
		},
	}

	select {
	case msg := <-got:
		if msg.ToMe {
			t.Error("plain group chatter must not be ToMe")
		}
		if msg.UserName != "小明" {
			t.Errorf("user name = %q, want the nickname fallback", msg.UserName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestSendPrivate(t *testing.T) {
	g := startGateway(t)
	c := startClient(t, g, nil, "")

	if err := c.SendPrivate(context.Background(), "20001", "晚安"); err != nil {
		t.Fatalf("SendPrivate: %v", err)
	}

	sends := g.recorded("send_private_msg")
	if len(sends) != 1 {
		t.Fatalf("send frames = %d, want 1", len(sends))
	}
	params := sends[0]["params"].(map[string]any)
	if params["user_id"].(float64) != 20001 {
		t.Errorf("user_id = %v", params["user_id"])
	}
	seg := params["message"].([]any)[0].(map[string]any)
	if seg["type"] != "text" || seg["data"].(map[string]any)["text"] != "晚安" {
		t.Errorf("segment = %v", seg)
	}
}

func TestSendGroup_BadID(t *testing.T) {
	g := startGateway(t)
	c := startClient(t, g, nil, "")

	if err := c.SendGroup(context.Background(), "not-a-number", "hi"); err == nil {
		t.Error("expected an error for a malformed group id")
	}
}

func TestAccessTokenHeader(t *testing.T) {
	g := startGateway(t)
	startClient(t, g, nil, "sekrit")

	g.mu.Lock()
	authz := g.authz
	g.mu.Unlock()
	if authz != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want Bearer sekrit", authz)
	}
}

func TestUserHistory(t *testing.T) {
	g := startGateway(t)
	g.mu.Lock()
	g.histories["get_friend_msg_history"] = map[string]any{
		"messages": []any{
			map[string]any{
				"user_id": 20001, "time": 1724480000,
				"sender": map[string]any{"user_id": 20001, "nickname": "小明"},
				"message": []any{
					map[string]any{"type": "text", "data": map[string]any{"text": "你好"}},
				},
			},
			map[string]any{
				"user_id": 10000, "time": 1724480005,
				"sender": map[string]any{"user_id": 10000, "nickname": "雪"},
				"message": []any{
					map[string]any{"type": "text", "data": map[string]any{"text": "嗯"}},
					map[string]any{"type": "image", "data": map[string]any{"url": "x"}},
				},
			},
		},
	}
	g.mu.Unlock()
	c := startClient(t, g, nil, "")

	msgs, err := c.UserHistory(context.Background(), "20001", 200)
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].SenderID != "20001" || msgs[0].Text != "你好" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[0].SenderName != "小明" {
		t.Errorf("sender name = %q", msgs[0].SenderName)
	}
	// Non-text segments are dropped from history text.
	if msgs[1].SenderID != "10000" || msgs[1].Text != "嗯" {
		t.Errorf("second = %+v", msgs[1])
	}
	if msgs[1].Time.Unix() != 1724480005 {
		t.Errorf("time = %v", msgs[1].Time)
	}

	calls := g.recorded("get_friend_msg_history")
	if len(calls) != 1 {
		t.Fatalf("history calls = %d", len(calls))
	}
	params := calls[0]["params"].(map[string]any)
	if params["count"].(float64) != 200 {
		t.Errorf("count = %v", params["count"])
	}
}

func TestAPIFailureSurfacesWording(t *testing.T) {
	g := startGateway(t)
	c := startClient(t, g, nil, "")
	g.mu.Lock()
	g.fail["send_group_msg"] = true
	g.mu.Unlock()

	err := c.SendGroup(context.Background(), "30001", "hi")
	if err == nil {
		t.Fatal("expected a failed-status error")
	}
	if !strings.Contains(err.Error(), "1400") || !strings.Contains(err.Error(), "参数错误") {
		t.Errorf("error = %v, want retcode and wording surfaced", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	g := startGateway(t)
	got := make(chan adapter.Message, 1)
	startClient(t, g, func(_ context.Context, msg adapter.Message) { got <- msg }, "")

	// Drop the connection server-side; the client should dial again and
	// still deliver events pushed to the new connection.
	g.srv.CloseClientConnections()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		g.events <- map[string]any{
			"post_type":    "message",
			"message_type": "private",
			"user_id":      20001,
			"sender":       map[string]any{"user_id": 20001, "nickname": "小明"},
			"message": []any{
				map[string]any{"type": "text", "data": map[string]any{"text": "还在吗"}},
			},
		}
		select {
		case msg := <-got:
			if !msg.ToMe {
				t.Error("private messages are always ToMe")
			}
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.Fatal("client never recovered from the dropped connection")
}
