package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// defaultOrganizerPrompt is used when the organizer model config carries no
// system prompt.
const defaultOrganizerPrompt = "分析用户消息，提取意图、主题、关键信息和应对态度。不要生成回复。"

// defaultKBOrganizerPrompt compresses knowledge-base hits down to what the
// current message actually needs.
const defaultKBOrganizerPrompt = `你是知识库整理助手。从检索到的知识库中提取与用户消息相关的信息。

【输出要求】
1. 只输出与用户消息直接相关的信息
2. 客观、简洁、清晰，不超过150字
3. 如果知识库内容与用户消息无关，输出"无相关知识"
4. 不要编造信息，只基于提供的知识库内容`

// defaultReplyTemplate is the private-chat system prompt used when the role
// config carries none. Placeholders are substituted by expandTemplate.
const defaultReplyTemplate = `【角色】
{role_profile}

【表达方式】
{expression_style}

【当前时间】
{current_datetime}

【长期记忆】
{memory_summary}

【最近对话】
{recent_dialogue}

【相关知识】
{kb_info}

【对用户的好感】
对 {user_name} 的好感度：{affection_level}

【规则】
{conversation_rules}

现在 {user_name} 发来了消息，请以角色身份回复。`

// expandTemplate substitutes every "{name}" placeholder in tmpl from vars.
// Unknown placeholders are left untouched.
func expandTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// formatMemoryForOrganizer rewrites the stored-pair markers into display
// names the organizer model can follow.
func formatMemoryForOrganizer(longMem, userName, personaName string) string {
	r := strings.NewReplacer(
		"[Pair] User问:", userName+":",
		"User问:", userName+":",
		"Bot答:", personaName+":",
		"[Pair] ", "",
	)
	return r.Replace(longMem)
}

// organizerUserPrompt builds the user-role message for the organizer stage.
func organizerUserPrompt(userName, userMessage string, hasMemory bool) string {
	if hasMemory {
		return fmt.Sprintf("对话对象: %s\n当前消息: %s\n\n请整理上述历史记忆。", userName, userMessage)
	}
	return fmt.Sprintf("对话对象: %s\n当前消息: %s\n\n这是首次对话，请输出: 首次对话，暂无历史互动", userName, userMessage)
}

// kbOrganizerUserPrompt builds the user-role message for the knowledge
// summarization stage.
func kbOrganizerUserPrompt(userMessage, kbInfo string) string {
	return fmt.Sprintf("用户消息：%s\n\n知识库内容：\n%s\n\n请整理出与用户消息相关的知识（≤150字）：", userMessage, kbInfo)
}

// promptVars bundles everything the reply template can reference.
type promptVars struct {
	RoleProfile       string
	ExpressionStyle   string
	UserName          string
	MemorySummary     string
	RecentDialogue    string
	KBInfo            string
	ConversationRules string
	GroupName         string
	AffectionLevel    string
	Now               time.Time
}

// buildReplySystemPrompt expands the private or group template with the
// turn's context. Empty context fields fall back to neutral markers so the
// generator never sees a dangling placeholder.
func buildReplySystemPrompt(tmpl string, v promptVars) string {
	if tmpl == "" {
		tmpl = defaultReplyTemplate
	}
	if v.ExpressionStyle == "" {
		v.ExpressionStyle = "理性、冷漠，说话平淡克制"
	}
	memory := strings.TrimSpace(v.MemorySummary)
	if memory == "" {
		memory = "暂无长期记忆"
	}
	recent := v.RecentDialogue
	if recent == "" {
		recent = "（暂无最近对话）"
	}
	kb := v.KBInfo
	if kb == "" {
		kb = "（无相关知识）"
	}
	affection := v.AffectionLevel
	if affection == "" {
		affection = "未知"
	}
	rules := strings.ReplaceAll(v.ConversationRules, "{user_name}", v.UserName)

	return expandTemplate(tmpl, map[string]string{
		"role_profile":       v.RoleProfile,
		"expression_style":   v.ExpressionStyle,
		"current_datetime":   v.Now.Format("2006年01月02日 15:04:05"),
		"user_name":          v.UserName,
		"memory_summary":     memory,
		"recent_dialogue":    recent,
		"kb_info":            kb,
		"conversation_rules": rules,
		"group_name":         v.GroupName,
		"affection_level":    affection,
	})
}

// correctionPrompt is the stripped-down rewrite instruction used when a reply
// violates the persona rules. It carries only the character anchor and the
// scene, never the knowledge block.
func correctionPrompt(personaName, roleProfile, summary, userName, userMessage string) string {
	anchor := personaName
	if roleProfile != "" {
		anchor += "，" + roleProfile
	}
	return fmt.Sprintf(`你是%s。说话冷淡简短，1-2句话。

上一次回复不符合角色设定。请重新回复下面的用户消息，严格保持角色。
禁止说"作为AI"或讨论规则本身。

场景概括：%s
用户（%s）说：%s`, anchor, clipRunes(summary, 200), userName, userMessage)
}

// clipRunes truncates s to at most n runes.
func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
