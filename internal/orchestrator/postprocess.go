package orchestrator

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Stage-direction brackets the generator keeps sneaking in despite the
// template's instructions.
var bracketPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[（(].*?[）)]`),
	regexp.MustCompile(`[【\[].*?[】\]]`),
	regexp.MustCompile(`[《<].*?[》>]`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanReply strips bracketed stage directions and full stops from a
// generated reply, then collapses whitespace. A reply reduced to fewer than
// two runes becomes "......".
func CleanReply(reply string) string {
	for _, re := range bracketPatterns {
		reply = re.ReplaceAllString(reply, "")
	}
	reply = strings.ReplaceAll(reply, "。", "")
	reply = strings.TrimSpace(whitespaceRun.ReplaceAllString(reply, " "))
	if utf8.RuneCountInString(reply) < 2 {
		return "......"
	}
	return reply
}
