package completion

import (
	"regexp"
	"strings"
)

var (
	// thinkBlock matches one reasoning segment, tags inclusive, across
	// newlines. Non-greedy so adjacent segments are removed separately
	// and the text between them survives.
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

	strayThinkTag = regexp.MustCompile(`</?think>`)
)

// StripReasoning removes the reasoning segments some models emit before
// their answer. Every <think>...</think> pair is removed with its
// content, then any unpaired opening or closing tag, and the result is
// trimmed. Text without tags comes back trimmed and otherwise unchanged.
func StripReasoning(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	text = strayThinkTag.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
