// Package command routes "/"-prefixed text commands arriving through the
// chat adapter.
//
// Public commands (help, status, affection query) answer anyone the
// whitelist lets through; moderation and maintenance commands are gated on
// the configured admin ids. Non-command text falls through to the reply
// pipeline untouched.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tsukishiro/yukibot/internal/affection"
	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/guard"
	"github.com/tsukishiro/yukibot/internal/memgc"
	"github.com/tsukishiro/yukibot/internal/shortterm"
	"github.com/tsukishiro/yukibot/pkg/memory"
)

const (
	// maxBanMinutes caps manual bans at seven days.
	maxBanMinutes = 10080

	defaultBanMinutes = 30

	noPermissionReply = "你没有权限执行此操作"
)

// Deps wires the router to the services the commands act on. Nil optional
// services degrade the affected commands to an explanatory reply.
type Deps struct {
	Cfg       func() *config.Config
	Blacklist *guard.Blacklist
	Affection *affection.Service
	Graph     memory.KnowledgeGraph
	GC        *memgc.Collector
	ShortTerm *shortterm.Buffer
}

// Router parses and executes text commands.
type Router struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a command router.
func New(deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{deps: deps, logger: logger.With("component", "command")}
}

// Handle parses text as a command invoked by userID in the given scene.
// ok is false when text is not a recognized command; the caller then routes
// the message to the reply pipeline instead.
func (r *Router) Handle(ctx context.Context, userID, sceneKey, text string) (reply string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(fields) == 0 {
		return "", false
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help":
		return r.help(userID), true
	case "status":
		return r.status(ctx, userID), true
	case "好感度", "好感", "affection":
		return r.affectionQuery(ctx, userID), true
	case "ban", "unban", "baninfo", "banlist", "banstat", "banclean", "debot", "clear":
		if !r.isAdmin(userID) {
			return noPermissionReply, true
		}
	default:
		return "", false
	}

	r.logger.Info("admin command", "command", name, "user", userID)
	switch name {
	case "ban":
		return r.ban(ctx, userID, args), true
	case "unban":
		return r.unban(ctx, args), true
	case "baninfo":
		return r.banInfo(ctx, userID, args), true
	case "banlist":
		return r.banList(ctx, args), true
	case "banstat":
		return r.banStat(ctx), true
	case "banclean":
		return r.banClean(ctx), true
	case "debot":
		return r.runGC(ctx, args), true
	case "clear":
		return r.clear(sceneKey), true
	}
	return "", false
}

func (r *Router) isAdmin(userID string) bool {
	for _, id := range r.deps.Cfg().Bot.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *Router) personaNickname() string {
	p := r.deps.Cfg().Role.Persona
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.Name
}

func (r *Router) help(userID string) string {
	lines := []string{
		"【可用命令】",
		"/help - 显示本帮助",
		"/status - 查看运行状态",
		"/好感度 - 查询当前好感度",
	}
	if r.isAdmin(userID) {
		lines = append(lines,
			"/ban <用户ID> [分钟] [原因] - 封禁用户",
			"/unban <用户ID> - 解除封禁",
			"/baninfo [用户ID] - 查询封禁信息",
			"/banlist [页码] [每页条数] - 黑名单列表",
			"/banstat - 黑名单统计",
			"/banclean - 清理过期封禁",
			"/debot [用户ID] - 手动记忆回收",
			"/clear - 清除当前场景短期记忆",
		)
	}
	return strings.Join(lines, "\n")
}

func (r *Router) status(ctx context.Context, userID string) string {
	lines := []string{
		fmt.Sprintf("【%s Bot 状态】", r.personaNickname()),
		"✨ 机器人运行正常",
		"双阶段推理引擎已启动",
	}
	if r.deps.Graph != nil {
		st, err := r.deps.Graph.UserStats(ctx, userID)
		if err != nil {
			r.logger.Warn("graph stats failed", "user", userID, "err", err)
		} else {
			lines = append(lines, "",
				"【你的知识图谱】",
				fmt.Sprintf("节点数: %d", st.Nodes),
				fmt.Sprintf("关系数: %d", st.Edges))
		}
	}
	return strings.Join(lines, "\n")
}

func (r *Router) affectionQuery(ctx context.Context, userID string) string {
	if r.deps.Affection == nil {
		return "好感度系统未启用"
	}
	info, err := r.deps.Affection.Info(ctx, userID)
	if err != nil {
		r.logger.Warn("affection query failed", "user", userID, "err", err)
		return "查询好感度时出错了，请稍后再试~"
	}
	bar := min(max(info.Level, 0), 8)
	progress := strings.Repeat("●", bar) + strings.Repeat("○", 8-bar)
	return fmt.Sprintf("💕 当前你与 %s 的好感度\n"+
		"━━━━━━━━━━━━━━━━\n"+
		"📊 分数：%.1f / 10.0\n"+
		"🏷️ 等级：%s（第 %d 阶）\n"+
		"📈 进度：[%s]\n"+
		"💬 互动次数：%d 次",
		r.personaNickname(), info.Score, info.LevelName, info.Level, progress, info.TotalInteractions)
}

func (r *Router) ban(ctx context.Context, adminID string, args []string) string {
	if len(args) == 0 {
		return "❌ 用法：/ban <用户ID> [分钟] [原因]\n示例：/ban 123456 60 违规行为"
	}
	target := args[0]
	minutes := defaultBanMinutes
	reason := "manual"

	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			if n <= 0 || n > maxBanMinutes {
				return "❌ 封禁时长必须在 1-10080 分钟（7天）之间"
			}
			minutes = n
			if len(args) >= 3 {
				reason = strings.Join(args[2:], " ")
			}
		} else {
			reason = strings.Join(args[1:], " ")
		}
	}

	rec, err := r.deps.Blacklist.Ban(ctx, target,
		time.Duration(minutes)*time.Minute, reason, "admin_"+adminID)
	if err != nil {
		r.logger.Error("manual ban failed", "target", target, "err", err)
		return "❌ 封禁失败，请稍后再试"
	}
	return strings.Join([]string{
		"✅ 封禁成功",
		"━━━━━━━━━━━━━━━━━━",
		"用户ID: " + rec.UserID,
		fmt.Sprintf("封禁时长: %d 分钟", remainingMinutes(rec)),
		"原因: " + rec.Reason,
		"操作者: " + rec.BlockedBy,
		fmt.Sprintf("命中次数: %d", rec.HitCount),
	}, "\n")
}

func (r *Router) unban(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "❌ 用法：/unban <用户ID>\n示例：/unban 123456"
	}
	target := args[0]
	if !isDigits(target) {
		return "❌ 用户ID格式错误: " + target
	}
	removed, err := r.deps.Blacklist.Unban(ctx, target)
	if err != nil {
		r.logger.Error("unban failed", "target", target, "err", err)
		return "❌ 解除封禁失败，请稍后再试"
	}
	if !removed {
		return fmt.Sprintf("❌ 用户 %s 不在黑名单中", target)
	}
	return fmt.Sprintf("✅ 用户 %s 已解除封禁", target)
}

func (r *Router) banInfo(ctx context.Context, callerID string, args []string) string {
	target := callerID
	if len(args) > 0 {
		target = args[0]
	}
	rec, found, err := r.deps.Blacklist.Info(ctx, target)
	if err != nil {
		r.logger.Error("ban info failed", "target", target, "err", err)
		return "❌ 查询失败，请稍后再试"
	}
	if !found {
		return fmt.Sprintf("✅ 用户 %s 未被封禁", target)
	}
	const layout = "2006-01-02 15:04:05"
	return strings.Join([]string{
		fmt.Sprintf("🚫 用户 %s 封禁信息", target),
		"━━━━━━━━━━━━━━━━━━",
		fmt.Sprintf("剩余时间: %d 分钟", remainingMinutes(rec)),
		"原因: " + rec.Reason,
		"操作者: " + rec.BlockedBy,
		fmt.Sprintf("命中次数: %d", rec.HitCount),
		"封禁时间: " + rec.BlockedAt.Format(layout),
		"到期时间: " + rec.ExpiresAt.Format(layout),
	}, "\n")
}

func (r *Router) banList(ctx context.Context, args []string) string {
	page, pageSize := 1, 10
	if len(args) >= 1 {
		if n, err := strconv.Atoi(args[0]); err == nil && n >= 1 {
			page = n
		}
	}
	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil && n >= 1 && n <= 50 {
			pageSize = n
		}
	}

	result, err := r.deps.Blacklist.ListActive(ctx, page, pageSize)
	if err != nil {
		r.logger.Error("ban list failed", "err", err)
		return "❌ 查询失败，请稍后再试"
	}
	if result.Total == 0 {
		return "✅ 当前黑名单为空"
	}

	lines := []string{
		fmt.Sprintf("🚫 黑名单列表（第 %d/%d 页）", result.Page, result.TotalPages),
		"━━━━━━━━━━━━━━━━━━",
		fmt.Sprintf("总计: %d 人", result.Total),
	}
	for i, rec := range result.Records {
		lines = append(lines,
			fmt.Sprintf("\n%d. 用户 %s", i+1, rec.UserID),
			fmt.Sprintf("   剩余: %d 分钟", remainingMinutes(rec)),
			"   原因: "+rec.Reason,
			fmt.Sprintf("   命中: %d 次", rec.HitCount))
	}
	lines = append(lines, "\n━━━━━━━━━━━━━━━━━━", "提示：/banlist [页码] [每页条数]")
	return strings.Join(lines, "\n")
}

func (r *Router) banStat(ctx context.Context) string {
	stats, err := r.deps.Blacklist.Stats(ctx)
	if err != nil {
		r.logger.Error("ban stats failed", "err", err)
		return "❌ 查询失败，请稍后再试"
	}
	lines := []string{
		"📊 黑名单统计",
		"━━━━━━━━━━━━━━━━━━",
		fmt.Sprintf("当前活跃封禁: %d 人", stats.ActiveCount),
		fmt.Sprintf("今日新增封禁: %d 人", stats.TodayCount),
	}
	if len(stats.TopReasons) > 0 {
		lines = append(lines, "\n最常见原因:")
		for i, rc := range stats.TopReasons {
			lines = append(lines, fmt.Sprintf("  %d. %s: %d 次", i+1, rc.Reason, rc.Count))
		}
	}
	if len(stats.TopOffenders) > 0 {
		lines = append(lines, "\n命中次数 Top 5:")
		for i, oc := range stats.TopOffenders {
			lines = append(lines, fmt.Sprintf("  %d. 用户 %s: %d 次", i+1, oc.UserID, oc.HitCount))
		}
	}
	return strings.Join(lines, "\n")
}

func (r *Router) banClean(ctx context.Context) string {
	deleted, err := r.deps.Blacklist.CleanupExpired(ctx)
	if err != nil {
		r.logger.Error("ban cleanup failed", "err", err)
		return "❌ 清理失败，请稍后再试"
	}
	return fmt.Sprintf("🧹 清理完成，删除了 %d 条过期记录", deleted)
}

func (r *Router) runGC(ctx context.Context, args []string) string {
	if r.deps.GC == nil {
		return "记忆回收未启用"
	}
	if len(args) > 0 {
		res := r.deps.GC.CollectUser(ctx, args[0])
		if res.Err != nil {
			return fmt.Sprintf("❌ GC 用户 %s 失败", args[0])
		}
		return fmt.Sprintf("✅ GC 完成 用户 %s: %d → %d 条 (删除 %d, 压缩 %d)",
			res.Scope, res.Before, res.After, res.Deleted, res.Compacted)
	}

	results := r.deps.GC.CollectAll(ctx)
	var deleted, compacted int
	for _, res := range results {
		deleted += res.Deleted
		compacted += res.Compacted
	}
	return fmt.Sprintf("✅ 全局 GC 完成: 处理 %d 个场景, 删除 %d 条, 压缩 %d 条",
		len(results), deleted, compacted)
}

func (r *Router) clear(sceneKey string) string {
	rounds := r.deps.ShortTerm.Len(sceneKey)
	r.deps.ShortTerm.Clear(sceneKey)
	return fmt.Sprintf("✨ 已清除当前场景的短期记忆（%d 轮）", rounds)
}

func remainingMinutes(rec guard.BanRecord) int {
	m := int(math.Ceil(rec.Remaining().Minutes()))
	if m < 0 {
		return 0
	}
	return m
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
