// Package adapter maintains the OneBot v11 WebSocket connection to the chat
// platform gateway.
//
// One Client owns a single connection: inbound frames are either API
// responses (matched to callers by echo id) or push events; message events
// are parsed into Message values and handed to the Handler on their own
// goroutine. The connection reconnects forever with a fixed delay until the
// run context is cancelled.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tsukishiro/yukibot/internal/config"
)

const (
	defaultReconnect = 5 * time.Second

	// apiTimeout bounds one echo-correlated API round trip.
	apiTimeout = 15 * time.Second

	// readLimit allows for events that inline base64 media.
	readLimit = 1 << 22
)

// ErrNotConnected is returned by API calls while the gateway is unreachable.
var ErrNotConnected = errors.New("adapter: not connected")

// emojiSummary marks sticker images in the OneBot image segment summary.
const emojiSummary = "[动画表情]"

// Part is one parsed message segment. Exactly one of Text and ImageURL is
// set.
type Part struct {
	Text     string
	ImageURL string

	// Emoji marks a sticker image; those are acknowledged, never captioned.
	Emoji bool
}

// Message is one inbound chat message.
type Message struct {
	MessageID int64

	// UserID is the sender's account; UserName is their display name (group
	// card when set, nickname otherwise).
	UserID   string
	UserName string

	// GroupID is empty for private chats.
	GroupID string

	// ToMe is true for private messages and for group messages that @ the
	// bot.
	ToMe bool

	Parts []Part
	Time  time.Time
}

// Text returns the concatenated text segments.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// Handler consumes inbound messages. Called on a fresh goroutine per
// message.
type Handler func(ctx context.Context, msg Message)

// Client is the OneBot gateway connection. Safe for concurrent use.
type Client struct {
	url       string
	token     string
	reconnect time.Duration
	handler   Handler
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan apiResult
	selfID  string

	// newEcho generates API correlation ids. Swapped in tests.
	newEcho func() string
}

// Option configures a Client.
type Option func(*Client)

// WithReconnectDelay overrides the delay between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnect = d }
}

// NewClient creates a gateway client. handler may be nil for send-only use.
func NewClient(cfg config.AdapterConfig, handler Handler, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	reconnect := defaultReconnect
	if cfg.ReconnectSeconds > 0 {
		reconnect = time.Duration(cfg.ReconnectSeconds) * time.Second
	}
	c := &Client{
		url:       cfg.URL,
		token:     cfg.AccessToken,
		reconnect: reconnect,
		handler:   handler,
		logger:    logger.With("component", "adapter"),
		pending:   make(map[string]chan apiResult),
		newEcho:   defaultEcho,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and serves the connection until ctx is cancelled,
// reconnecting after failures. Always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("gateway connection lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + c.token},
		}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("adapter: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.teardown(conn)

	// The gateway tells us who we are; cached for mention detection and
	// the history warm-up.
	var info loginInfo
	if err := c.call(ctx, "get_login_info", nil, &info); err != nil {
		c.logger.Warn("login info unavailable", "err", err)
	} else {
		c.mu.Lock()
		c.selfID = strconv.FormatInt(info.UserID, 10)
		c.mu.Unlock()
		c.logger.Info("gateway connected", "self_id", info.UserID, "nickname", info.Nickname)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close(websocket.StatusNormalClosure, "")
	c.mu.Lock()
	c.conn = nil
	for echo, ch := range c.pending {
		ch <- apiResult{err: ErrNotConnected}
		delete(c.pending, echo)
	}
	c.mu.Unlock()
}

// dispatch routes one inbound frame: echo frames resolve pending API calls,
// message events reach the handler, everything else is ignored.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Debug("unparseable frame dropped", "err", err)
		return
	}

	if probe.Echo != "" {
		c.resolve(probe.Echo, data)
		return
	}

	switch probe.PostType {
	case "message":
		var ev messageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad message event", "err", err)
			return
		}
		msg := c.parseMessage(ev)
		if c.handler != nil {
			go c.handler(ctx, msg)
		}
	case "meta_event":
		// Heartbeats and lifecycle notices.
	default:
		c.logger.Debug("event ignored", "post_type", probe.PostType)
	}
}

// parseMessage flattens a OneBot segment array into Parts and resolves the
// sender's display name.
func (c *Client) parseMessage(ev messageEvent) Message {
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" && ev.SelfID != 0 {
		selfID = strconv.FormatInt(ev.SelfID, 10)
	}

	msg := Message{
		MessageID: ev.MessageID,
		UserID:    strconv.FormatInt(ev.UserID, 10),
		UserName:  ev.Sender.Name(),
		Time:      time.Unix(ev.Time, 0),
	}
	if ev.MessageType == "group" {
		msg.GroupID = strconv.FormatInt(ev.GroupID, 10)
	} else {
		msg.ToMe = true
	}

	for _, seg := range ev.Message {
		switch seg.Type {
		case "text":
			if seg.Data.Text != "" {
				msg.Parts = append(msg.Parts, Part{Text: seg.Data.Text})
			}
		case "image":
			if seg.Data.URL == "" {
				continue
			}
			msg.Parts = append(msg.Parts, Part{
				ImageURL: seg.Data.URL,
				Emoji:    strings.Contains(seg.Data.Summary, emojiSummary),
			})
		case "at":
			if seg.Data.QQ == selfID {
				msg.ToMe = true
			}
		}
	}
	return msg
}

func defaultEcho() string {
	return uuid.NewString()
}
