// Package affection tracks per-user rapport with the persona.
//
// Every completed conversation round nudges a 0..13 score up or down based on
// simple lexical signals in the user's message. The score maps onto sixteen
// named levels, and each level can carry its own generator temperature so the
// persona warms up as the relationship deepens.
package affection

import "strings"

// Score bounds. The scale starts at hatred and tops out at an eternal bond.
const (
	MinScore = 0.0
	MaxScore = 13.0

	// MinLevel and MaxLevel bound the level range.
	MinLevel = -2
	MaxLevel = 13
)

// maxRoundDelta caps how far a single round can move the score.
const maxRoundDelta = 0.5

// levelRange maps a score interval onto a level.
type levelRange struct {
	level    int
	min, max float64
}

var levelRanges = []levelRange{
	{-2, 0.0, 1.0},
	{-1, 1.1, 2.0},
	{0, 2.1, 3.0},
	{1, 3.1, 4.0},
	{2, 4.1, 5.0},
	{3, 5.1, 6.0},
	{4, 6.1, 7.0},
	{5, 7.1, 8.0},
	{6, 8.1, 9.0},
	{7, 9.1, 10.0},
	{8, 10.1, 11.0},
	{9, 11.1, 11.5},
	{10, 11.6, 12.0},
	{11, 12.1, 12.5},
	{12, 12.6, 12.9},
	{13, 13.0, 13.0},
}

var levelNames = map[int]string{
	-2: "讨厌",
	-1: "差劲",
	0:  "不起眼",
	1:  "陌生",
	2:  "一般",
	3:  "稍熟",
	4:  "熟悉",
	5:  "热情",
	6:  "亲密",
	7:  "喜欢",
	8:  "喜欢+",
	9:  "爱慕",
	10: "深爱",
	11: "挚爱",
	12: "命运",
	13: "永恒",
}

// tempEnvKeys name the environment variables that override the generator
// temperature per level.
var tempEnvKeys = map[int]string{
	-2: "YUKI_AFF_TEMP_HATE",
	-1: "YUKI_AFF_TEMP_BAD",
	0:  "YUKI_AFF_TEMP_UNNOTICED",
	1:  "YUKI_AFF_TEMP_STRANGER",
	2:  "YUKI_AFF_TEMP_NORMAL",
	3:  "YUKI_AFF_TEMP_LITTLE",
	4:  "YUKI_AFF_TEMP_FAMILIAR",
	5:  "YUKI_AFF_TEMP_WARM",
	6:  "YUKI_AFF_TEMP_INTIMATE",
	7:  "YUKI_AFF_TEMP_LIKE",
	8:  "YUKI_AFF_TEMP_LIKE_PLUS",
	9:  "YUKI_AFF_TEMP_ADORE",
	10: "YUKI_AFF_TEMP_DEEP_LOVE",
	11: "YUKI_AFF_TEMP_TRUE_LOVE",
	12: "YUKI_AFF_TEMP_DESTINY",
	13: "YUKI_AFF_TEMP_ETERNAL",
}

var positiveLightWords = []string{
	"谢谢", "辛苦了", "真好", "可爱", "抱抱", "想你", "喜欢你",
	"厉害", "棒", "好棒", "开心", "高兴", "感谢", "爱你", "么么",
	"亲亲", "摸摸", "贴贴", "蹭蹭", "好喜欢", "超棒",
}

var positiveStrongWords = []string{
	"超喜欢你", "最爱你", "离不开你", "我爱你", "永远喜欢",
	"太爱了", "超级爱", "最喜欢你", "爱死你了",
}

var negativeLightWords = []string{
	"无聊", "烦", "不高兴", "不开心", "累了", "算了", "懒得",
}

var negativeStrongWords = []string{
	"讨厌你", "闭嘴", "滚", "垃圾", "傻逼", "不想理你",
	"烦死了", "去死", "恶心", "讨厌",
}

var emoticonPatterns = []string{
	"~", "w", "ww", "qwq", "QwQ", "T_T", "TvT", "owo", "OwO",
	"哈哈", "嘿嘿", "嘻嘻", "呜呜", "(*´ω｀*)", "(´・ω・`)",
	"≧▽≦", "^_^", ">_<", "QAQ", "TAT",
}

var coldShortReplies = map[string]bool{
	"嗯": true, "哦": true, "行": true, "好": true,
	"？": true, "?": true, "。": true, "...": true, "……": true,
}

// ScoreToLevel maps a score onto its level. Out-of-range scores clamp to the
// nearest end of the scale.
func ScoreToLevel(score float64) int {
	for _, r := range levelRanges {
		if score >= r.min && score <= r.max {
			return r.level
		}
	}
	if score > MaxScore {
		return MaxLevel
	}
	return MinLevel
}

// LevelName returns the display name of a level.
func LevelName(level int) string {
	if name, ok := levelNames[level]; ok {
		return name
	}
	return "未知"
}

// ScoreDelta computes this round's score change from the user's message.
// The oldScore argument scales growth: early levels move fast, the top of
// the scale barely moves at all.
func ScoreDelta(userMessage string, oldScore float64) float64 {
	u := strings.TrimSpace(userMessage)
	runes := []rune(u)
	length := len(runes)

	// Small baseline gain for any normal exchange.
	delta := 0.05

	// Effort bonus for longer messages.
	if length > 40 {
		delta += 0.05
	}
	if length > 100 {
		delta += 0.05
	}

	var lightHits int
	for _, w := range positiveLightWords {
		if strings.Contains(u, w) {
			lightHits++
		}
	}
	delta += min(float64(lightHits)*0.05, 0.15)

	for _, w := range positiveStrongWords {
		if strings.Contains(u, w) {
			delta += 0.15
			break
		}
	}

	// Asking questions signals engagement.
	if strings.ContainsAny(u, "?？") {
		delta += 0.05
	}

	for _, p := range emoticonPatterns {
		if strings.Contains(u, p) {
			delta += 0.05
			break
		}
	}

	for _, w := range negativeLightWords {
		if strings.Contains(u, w) {
			delta -= 0.1
			break
		}
	}
	for _, w := range negativeStrongWords {
		if strings.Contains(u, w) {
			delta -= 0.3
			break
		}
	}

	// Terse brush-offs cool the relationship slightly.
	if length <= 3 && coldShortReplies[u] {
		delta -= 0.05
	}

	delta *= growthCoefficient(oldScore)

	if delta > maxRoundDelta {
		delta = maxRoundDelta
	}
	if delta < -maxRoundDelta {
		delta = -maxRoundDelta
	}
	return delta
}

// growthCoefficient slows growth as the score climbs. Escaping the negative
// levels is easy; the last level is nearly unreachable.
func growthCoefficient(score float64) float64 {
	switch {
	case score <= 3.0:
		return 1.2
	case score <= 6.0:
		return 1.0
	case score <= 9.0:
		return 0.7
	case score <= 11.0:
		return 0.5
	case score <= 12.5:
		return 0.3
	default:
		return 0.1
	}
}

// ClampScore bounds a score to the valid range.
func ClampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
