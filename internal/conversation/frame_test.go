package conversation

import "testing"

func TestFrame(t *testing.T) {
	tests := []struct {
		name     string
		username string
		message  string
		reply    *ReplyContext
		want     string
	}{
		{
			name:     "plain",
			username: "Sam",
			message:  "Tell me a story",
			want:     "Sam>Tell me a story",
		},
		{
			name:     "reply",
			username: "Alice",
			message:  "hi",
			reply:    &ReplyContext{Author: "Bob", Content: "Hello"},
			want: "Alice replied to a message from Bob.\n" +
				"Original message from Bob: \"Hello\"\n" +
				"Alice's reply: \"hi\"",
		},
		{
			name:     "reply kept verbatim",
			username: "Alice",
			message:  `say "yes"`,
			reply:    &ReplyContext{Author: "Bob", Content: "line one\nline two"},
			want: "Alice replied to a message from Bob.\n" +
				"Original message from Bob: \"line one\nline two\"\n" +
				"Alice's reply: \"say \"yes\"\"",
		},
		{
			name:     "reply missing author",
			username: "Alice",
			message:  "hi",
			reply:    &ReplyContext{Content: "Hello"},
			want:     "Alice>hi",
		},
		{
			name:     "reply missing content",
			username: "Alice",
			message:  "hi",
			reply:    &ReplyContext{Author: "Bob", Content: "  "},
			want:     "Alice>hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Frame(tt.username, tt.message, tt.reply); got != tt.want {
				t.Errorf("Frame() = %q, want %q", got, tt.want)
			}
		})
	}
}
