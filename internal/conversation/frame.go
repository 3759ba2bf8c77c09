package conversation

import (
	"fmt"
	"strings"
)

// ReplyContext describes the message an utterance answers.
type ReplyContext struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// usable reports whether r carries both an author and content.
func (r *ReplyContext) usable() bool {
	return r != nil && strings.TrimSpace(r.Author) != "" && strings.TrimSpace(r.Content) != ""
}

// Frame renders an utterance as the user-turn text the model sees.
// Plain utterances become "username>message". Replies name both
// parties and quote the original and the reply verbatim:
//
//	Alice replied to a message from Bob.
//	Original message from Bob: "Hello"
//	Alice's reply: "hi"
func Frame(username, message string, reply *ReplyContext) string {
	if !reply.usable() {
		return username + ">" + message
	}
	return fmt.Sprintf("%s replied to a message from %s.\nOriginal message from %s: \"%s\"\n%s's reply: \"%s\"",
		username, reply.Author, reply.Author, reply.Content, username, message)
}
