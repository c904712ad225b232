package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// apiRequest is one outbound action frame.
type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// apiResponse is the matching response frame.
type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Msg     string          `json:"msg"`
	Wording string          `json:"wording"`
	Data    json.RawMessage `json:"data"`
}

type apiResult struct {
	data json.RawMessage
	err  error
}

type loginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// messageEvent is the wire form of a OneBot message push (also reused for
// history entries, which share the shape).
type messageEvent struct {
	MessageType string    `json:"message_type"`
	MessageID   int64     `json:"message_id"`
	UserID      int64     `json:"user_id"`
	GroupID     int64     `json:"group_id"`
	SelfID      int64     `json:"self_id"`
	Time        int64     `json:"time"`
	Sender      sender    `json:"sender"`
	Message     []segment `json:"message"`
}

type sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// Name returns the group card when set, the nickname otherwise.
func (s sender) Name() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

type segment struct {
	Type string      `json:"type"`
	Data segmentData `json:"data"`
}

type segmentData struct {
	Text    string `json:"text,omitempty"`
	URL     string `json:"url,omitempty"`
	Summary string `json:"summary,omitempty"`
	QQ      string `json:"qq,omitempty"`
}

// call performs one echo-correlated API round trip. The response data is
// unmarshalled into out when non-nil.
func (c *Client) call(ctx context.Context, action string, params any, out any) error {
	echo := c.newEcho()
	ch := make(chan apiResult, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[echo] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(apiRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return fmt.Errorf("adapter: %s: %w", action, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("adapter: %s: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return fmt.Errorf("adapter: %s: %w", action, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("adapter: %s: %w", action, res.err)
		}
		if out != nil && len(res.data) > 0 {
			if err := json.Unmarshal(res.data, out); err != nil {
				return fmt.Errorf("adapter: %s: decode: %w", action, err)
			}
		}
		return nil
	}
}

// resolve hands an echo frame to its waiting caller.
func (c *Client) resolve(echo string, data []byte) {
	c.mu.Lock()
	ch, ok := c.pending[echo]
	delete(c.pending, echo)
	c.mu.Unlock()
	if !ok {
		return
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		ch <- apiResult{err: err}
		return
	}
	if resp.Status == "failed" || resp.Retcode != 0 {
		reason := resp.Wording
		if reason == "" {
			reason = resp.Msg
		}
		ch <- apiResult{err: fmt.Errorf("retcode %d: %s", resp.Retcode, reason)}
		return
	}
	ch <- apiResult{data: resp.Data}
}

func textSegments(text string) []segment {
	return []segment{{Type: "text", Data: segmentData{Text: text}}}
}

// SendPrivate sends one text message to a user.
func (c *Client) SendPrivate(ctx context.Context, userID, text string) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("adapter: bad user id %q: %w", userID, err)
	}
	params := struct {
		UserID  int64     `json:"user_id"`
		Message []segment `json:"message"`
	}{id, textSegments(text)}
	return c.call(ctx, "send_private_msg", params, nil)
}

// SendGroup sends one text message to a group.
func (c *Client) SendGroup(ctx context.Context, groupID, text string) error {
	id, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return fmt.Errorf("adapter: bad group id %q: %w", groupID, err)
	}
	params := struct {
		GroupID int64     `json:"group_id"`
		Message []segment `json:"message"`
	}{id, textSegments(text)}
	return c.call(ctx, "send_group_msg", params, nil)
}

// SelfID returns the bot's own account id, fetching it if the connect-time
// lookup failed.
func (c *Client) SelfID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.selfID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var info loginInfo
	if err := c.call(ctx, "get_login_info", nil, &info); err != nil {
		return "", err
	}
	id := strconv.FormatInt(info.UserID, 10)
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
	return id, nil
}

// HistoryMessage is one entry of a fetched chat history.
type HistoryMessage struct {
	SenderID   string
	SenderName string
	Text       string
	Time       time.Time
}

type historyData struct {
	Messages []messageEvent `json:"messages"`
}

// UserHistory fetches up to count recent private messages with userID.
func (c *Client) UserHistory(ctx context.Context, userID string, count int) ([]HistoryMessage, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("adapter: bad user id %q: %w", userID, err)
	}
	params := struct {
		UserID int64 `json:"user_id"`
		Count  int   `json:"count"`
	}{id, count}

	var data historyData
	if err := c.call(ctx, "get_friend_msg_history", params, &data); err != nil {
		return nil, err
	}
	return historyMessages(data.Messages), nil
}

// GroupHistory fetches up to count recent messages from groupID.
func (c *Client) GroupHistory(ctx context.Context, groupID string, count int) ([]HistoryMessage, error) {
	id, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("adapter: bad group id %q: %w", groupID, err)
	}
	params := struct {
		GroupID int64 `json:"group_id"`
		Count   int   `json:"count"`
	}{id, count}

	var data historyData
	if err := c.call(ctx, "get_group_msg_history", params, &data); err != nil {
		return nil, err
	}
	return historyMessages(data.Messages), nil
}

func historyMessages(events []messageEvent) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(events))
	for _, ev := range events {
		var b strings.Builder
		for _, seg := range ev.Message {
			if seg.Type == "text" {
				b.WriteString(seg.Data.Text)
			}
		}
		sid := ev.Sender.UserID
		if sid == 0 {
			sid = ev.UserID
		}
		out = append(out, HistoryMessage{
			SenderID:   strconv.FormatInt(sid, 10),
			SenderName: ev.Sender.Name(),
			Text:       b.String(),
			Time:       time.Unix(ev.Time, 0),
		})
	}
	return out
}
