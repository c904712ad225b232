// Package memgc compacts long-term conversation memory.
//
// Scopes over the hard limit lose their oldest rows outright; scopes over
// the summarize limit get the oldest slice folded into model-written
// summaries that stay searchable alongside the raw pairs. The collector
// runs on a schedule and on demand from the admin command surface.
package memgc

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/pkg/memory"
	"github.com/tsukishiro/yukibot/pkg/memory/sqlite"
	"github.com/tsukishiro/yukibot/pkg/provider/llm"
)

const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 600

	// defaultScopePause spaces out scopes during a full sweep so the
	// summarization model is not hammered.
	defaultScopePause = 500 * time.Millisecond
)

const defaultSummaryPrompt = `请将以下对话记忆压缩成一段简洁的摘要，不超过%d字。
保留关键事件、情感变化和重要信息，不要逐条复述。

对话记忆：
%s

摘要：`

// Store is the slice of the sqlite vector store the collector needs.
type Store interface {
	UserIDs() ([]string, error)
	GroupIDs() ([]string, error)
	UserStats(userID string) (memory.ScopeStats, error)
	GroupStats(groupID string) (memory.ScopeStats, error)
	OldestUserRows(ctx context.Context, userID string, n int) ([]sqlite.Record, error)
	OldestGroupRows(ctx context.Context, groupID string, n int) ([]sqlite.Record, error)
	DeleteUserRows(ctx context.Context, userID string, ids []int64) (int, error)
	DeleteGroupRows(ctx context.Context, groupID string, ids []int64) (int, error)
	AddUserSummary(ctx context.Context, userID, content string) error
	AddGroupSummary(ctx context.Context, groupID, content string) error
	RebuildUser(ctx context.Context, userID string) error
	RebuildGroup(ctx context.Context, groupID string) error
}

var _ Store = (*sqlite.Store)(nil)

// Result reports what one pass over a scope did.
type Result struct {
	// Scope is the user or group ID the pass ran over.
	Scope string

	// Group marks a group scope.
	Group bool

	// Before and After are the scope's row counts around the pass.
	Before int
	After  int

	// Deleted counts rows dropped by the hard-limit phase.
	Deleted int

	// Compacted counts rows folded into summaries; Summaries counts the
	// summary rows written for them.
	Compacted int
	Summaries int

	// Err is set when the pass failed before doing anything.
	Err error
}

// Collector owns the GC passes over the vector store.
type Collector struct {
	store    Store
	provider llm.Provider
	cfg      func() *config.Config
	logger   *slog.Logger
	pause    time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithScopePause overrides the delay between scopes in a full sweep.
func WithScopePause(d time.Duration) Option {
	return func(c *Collector) { c.pause = d }
}

// New returns a collector that summarizes with provider (the organizer
// role's backend).
func New(store Store, provider llm.Provider, cfg func() *config.Config, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "memgc"),
		pause:    defaultScopePause,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scopeOps binds one pass to either the user or the group side of the store.
type scopeOps struct {
	group      bool
	count      func() (int, error)
	oldest     func(ctx context.Context, n int) ([]sqlite.Record, error)
	deleteRows func(ctx context.Context, ids []int64) (int, error)
	addSummary func(ctx context.Context, content string) error
	rebuild    func(ctx context.Context) error
}

func (c *Collector) userOps(userID string) scopeOps {
	return scopeOps{
		count: func() (int, error) {
			st, err := c.store.UserStats(userID)
			return st.PrivateRows + st.GroupRows, err
		},
		oldest: func(ctx context.Context, n int) ([]sqlite.Record, error) {
			return c.store.OldestUserRows(ctx, userID, n)
		},
		deleteRows: func(ctx context.Context, ids []int64) (int, error) {
			return c.store.DeleteUserRows(ctx, userID, ids)
		},
		addSummary: func(ctx context.Context, content string) error {
			return c.store.AddUserSummary(ctx, userID, content)
		},
		rebuild: func(ctx context.Context) error {
			return c.store.RebuildUser(ctx, userID)
		},
	}
}

func (c *Collector) groupOps(groupID string) scopeOps {
	return scopeOps{
		group: true,
		count: func() (int, error) {
			st, err := c.store.GroupStats(groupID)
			return st.PrivateRows, err
		},
		oldest: func(ctx context.Context, n int) ([]sqlite.Record, error) {
			return c.store.OldestGroupRows(ctx, groupID, n)
		},
		deleteRows: func(ctx context.Context, ids []int64) (int, error) {
			return c.store.DeleteGroupRows(ctx, groupID, ids)
		},
		addSummary: func(ctx context.Context, content string) error {
			return c.store.AddGroupSummary(ctx, groupID, content)
		},
		rebuild: func(ctx context.Context) error {
			return c.store.RebuildGroup(ctx, groupID)
		},
	}
}

// CollectUser runs one GC pass over userID's private store.
func (c *Collector) CollectUser(ctx context.Context, userID string) Result {
	return c.collect(ctx, userID, c.userOps(userID))
}

// CollectGroup runs one GC pass over groupID's member store.
func (c *Collector) CollectGroup(ctx context.Context, groupID string) Result {
	return c.collect(ctx, groupID, c.groupOps(groupID))
}

func (c *Collector) collect(ctx context.Context, scope string, ops scopeOps) Result {
	res := Result{Scope: scope, Group: ops.group}
	cfg := c.cfg()
	gc := cfg.Bot.Storage.GC

	count, err := ops.count()
	if err != nil {
		res.Err = fmt.Errorf("memgc: count %s: %w", scope, err)
		return res
	}
	res.Before = count
	res.After = count
	if count <= gc.SummarizeLimit && count <= gc.HardLimit {
		return res
	}

	c.logger.Info("gc pass started", "scope", scope, "group", ops.group, "rows", count)

	if count > gc.HardLimit {
		n := int(math.Ceil(float64(count) * gc.DeleteFraction))
		rows, err := ops.oldest(ctx, n)
		if err != nil {
			c.logger.Warn("gc oldest lookup failed", "scope", scope, "err", err)
		} else if len(rows) > 0 {
			deleted, err := ops.deleteRows(ctx, rowIDs(rows))
			if err != nil {
				c.logger.Warn("gc delete failed", "scope", scope, "err", err)
			} else {
				res.Deleted = deleted
				count -= deleted
			}
		}
	}

	if count > gc.SummarizeLimit {
		n := int(math.Ceil(float64(count) * gc.SummarizeFraction))
		rows, err := ops.oldest(ctx, n)
		if err != nil {
			c.logger.Warn("gc oldest lookup failed", "scope", scope, "err", err)
		} else if len(rows) > 0 {
			summaries := c.summarize(ctx, rowContents(rows), gc, cfg.Role.PromptTemplate.MemorySummaryPrompt)
			if len(summaries) > 0 {
				for _, s := range summaries {
					if err := ops.addSummary(ctx, s); err != nil {
						c.logger.Warn("gc summary insert failed", "scope", scope, "err", err)
						continue
					}
					res.Summaries++
				}
				if res.Summaries > 0 {
					deleted, err := ops.deleteRows(ctx, rowIDs(rows))
					if err != nil {
						c.logger.Warn("gc compaction delete failed", "scope", scope, "err", err)
					} else {
						res.Compacted = deleted
					}
				}
			}
		}
	}

	if res.Deleted > 0 || res.Compacted > 0 {
		if gc.RebuildAfterGC {
			if err := ops.rebuild(ctx); err != nil {
				c.logger.Warn("gc index rebuild failed", "scope", scope, "err", err)
			}
		} else {
			c.logger.Warn("vector index left stale after gc; deleted rows linger until the next rebuild",
				"scope", scope)
		}
	}

	if after, err := ops.count(); err == nil {
		res.After = after
	}
	c.logger.Info("gc pass finished", "scope", scope,
		"before", res.Before, "after", res.After,
		"deleted", res.Deleted, "compacted", res.Compacted, "summaries", res.Summaries)
	return res
}

// CollectAll sweeps every user and group scope on disk. A cancelled context
// stops the sweep between scopes; results collected so far are returned.
func (c *Collector) CollectAll(ctx context.Context) []Result {
	users, err := c.store.UserIDs()
	if err != nil {
		c.logger.Error("gc user listing failed", "err", err)
	}
	groups, err := c.store.GroupIDs()
	if err != nil {
		c.logger.Error("gc group listing failed", "err", err)
	}
	c.logger.Info("gc sweep started", "users", len(users), "groups", len(groups))

	var out []Result
	for _, id := range users {
		out = append(out, c.CollectUser(ctx, id))
		if !c.wait(ctx) {
			return out
		}
	}
	for _, id := range groups {
		out = append(out, c.CollectGroup(ctx, id))
		if !c.wait(ctx) {
			return out
		}
	}

	var deleted, compacted, summaries int
	for _, r := range out {
		deleted += r.Deleted
		compacted += r.Compacted
		summaries += r.Summaries
	}
	c.logger.Info("gc sweep finished", "scopes", len(out),
		"deleted", deleted, "compacted", compacted, "summaries", summaries)
	return out
}

func (c *Collector) wait(ctx context.Context) bool {
	if c.pause <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// summarize folds docs into summaries, one model call per batch. Failed
// batches are skipped; the caller only compacts rows when at least one
// summary landed.
func (c *Collector) summarize(ctx context.Context, docs []string, gc config.GCConfig, tmpl string) []string {
	var summaries []string
	for i := 0; i < len(docs); i += gc.BatchSize {
		end := min(i+gc.BatchSize, len(docs))
		prompt := summaryPrompt(tmpl, gc.MaxSummaryChars, strings.Join(docs[i:end], "\n---\n"))

		resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			Messages:    []llm.Message{llm.User(prompt)},
			Temperature: summaryTemperature,
			MaxTokens:   summaryMaxTokens,
		})
		if err != nil {
			c.logger.Warn("memory summarization failed", "batch", i/gc.BatchSize, "err", err)
			continue
		}
		s := strings.TrimSpace(resp.Content)
		if s == "" {
			continue
		}
		summaries = append(summaries, clipRunes(s, gc.MaxSummaryChars))
	}
	return summaries
}

// summaryPrompt expands the role's compaction template, or the built-in one
// when the role carries none.
func summaryPrompt(tmpl string, maxChars int, memories string) string {
	if tmpl != "" {
		r := strings.NewReplacer(
			"{max_chars}", strconv.Itoa(maxChars),
			"{memories}", memories,
		)
		return r.Replace(tmpl)
	}
	return fmt.Sprintf(defaultSummaryPrompt, maxChars, memories)
}

func rowIDs(rows []sqlite.Record) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func rowContents(rows []sqlite.Record) []string {
	docs := make([]string, len(rows))
	for i, r := range rows {
		docs[i] = r.Content
	}
	return docs
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
