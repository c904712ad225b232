package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/internal/shortterm"
)

const (
	// defaultWarmupScenes is how many recently active users get their
	// dialogue refilled when the config leaves the knob unset.
	defaultWarmupScenes = 20

	// historyFetchCount is how many raw messages to pull per scene. Most
	// of them pair down to far fewer rounds.
	historyFetchCount = 200
)

// HistoryMessage is one platform message as seen by the warm-up job.
type HistoryMessage struct {
	// SenderID is the platform account that sent the message; SenderName is
	// its display name, used when restoring group scenes.
	SenderID   string
	SenderName string

	// Text is the plain-text content, already stripped of segments the
	// adapter cannot render.
	Text string

	// Time is the platform timestamp.
	Time time.Time
}

// HistorySource is the slice of the platform adapter the warm-up needs.
type HistorySource interface {
	// SelfID returns the bot's own account id, used to tell replies from
	// user messages.
	SelfID(ctx context.Context) (string, error)

	// UserHistory fetches up to count recent private messages with userID,
	// any order.
	UserHistory(ctx context.Context, userID string, count int) ([]HistoryMessage, error)

	// GroupHistory fetches up to count recent messages from groupID, any
	// order.
	GroupHistory(ctx context.Context, groupID string, count int) ([]HistoryMessage, error)
}

// ActiveUsers lists who to warm up, most recent first.
type ActiveUsers interface {
	RecentActiveUsers(ctx context.Context, limit int) ([]string, error)
}

// Warmup refills the short-term dialogue buffers from platform history so
// the persona does not wake up amnesiac after a restart.
type Warmup struct {
	source HistorySource
	users  ActiveUsers
	buffer *shortterm.Buffer
	logger *slog.Logger
	scenes int
	groups []string
}

// NewWarmup creates the warm-up job. scenes bounds how many users are
// refilled (zero or negative means the default); groups lists the group ids
// whose scenes are refilled too.
func NewWarmup(source HistorySource, users ActiveUsers, buffer *shortterm.Buffer, scenes int, groups []string, logger *slog.Logger) *Warmup {
	if logger == nil {
		logger = slog.Default()
	}
	if scenes <= 0 {
		scenes = defaultWarmupScenes
	}
	return &Warmup{
		source: source,
		users:  users,
		buffer: buffer,
		logger: logger.With("component", "warmup"),
		scenes: scenes,
		groups: groups,
	}
}

// Run executes the warm-up once. Scenes that already hold dialogue are left
// alone; per-scene fetch failures are logged and skipped.
func (w *Warmup) Run(ctx context.Context) {
	selfID, err := w.source.SelfID(ctx)
	if err != nil {
		w.logger.Warn("warm-up aborted, self id unavailable", "err", err)
		return
	}
	users, err := w.users.RecentActiveUsers(ctx, w.scenes)
	if err != nil {
		w.logger.Warn("warm-up aborted, user listing failed", "err", err)
		return
	}

	var warmed int
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if w.warmScene(ctx, userID, selfID, w.source.UserHistory) {
			warmed++
		}
	}
	for _, groupID := range w.groups {
		if ctx.Err() != nil {
			return
		}
		if w.warmScene(ctx, groupID, selfID, w.source.GroupHistory) {
			warmed++
		}
	}
	w.logger.Info("warm-up finished", "users", len(users), "groups", len(w.groups), "warmed", warmed)
}

// warmScene refills one scene ring from fetched history. Returns whether the
// scene was actually restored.
func (w *Warmup) warmScene(ctx context.Context, scene, selfID string, fetch func(context.Context, string, int) ([]HistoryMessage, error)) bool {
	if w.buffer.Has(scene) {
		return false
	}
	msgs, err := fetch(ctx, scene, historyFetchCount)
	if err != nil {
		w.logger.Warn("history fetch failed", "scene", scene, "err", err)
		return false
	}
	rounds := PairHistory(msgs, selfID)
	if len(rounds) == 0 {
		return false
	}
	w.buffer.Restore(scene, rounds)
	w.logger.Info("scene warmed", "scene", scene, "rounds", len(rounds))
	return true
}

// PairHistory turns a raw message stream into completed dialogue rounds.
// Messages are paired oldest-first: a bot message answers the latest
// pending user message. Commands reset the pending query so their replies
// are never paired; consecutive user messages keep only the newest.
func PairHistory(msgs []HistoryMessage, selfID string) []shortterm.Round {
	sorted := append([]HistoryMessage(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var (
		rounds  []shortterm.Round
		pending string
		sender  string
	)
	for _, m := range sorted {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			pending = ""
			continue
		}
		if m.SenderID == selfID {
			if pending != "" {
				rounds = append(rounds, shortterm.Round{Query: pending, Reply: text, Sender: sender})
				pending = ""
			}
			continue
		}
		pending = text
		sender = m.SenderName
	}
	return rounds
}
