package transcript

import (
	"fmt"
	"testing"
)

func TestNew_DirectiveOnly(t *testing.T) {
	tr := New("be nice", 0)

	if tr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tr.Len())
	}
	if got := tr.Messages()[0]; got.Role != RoleSystem || got.Content != "be nice" {
		t.Errorf("head = %+v, want system directive", got)
	}
	if tr.maxHistory != DefaultMaxHistory {
		t.Errorf("maxHistory = %d, want %d", tr.maxHistory, DefaultMaxHistory)
	}
}

func TestEnsureDirective(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want []Message
	}{
		{
			name: "stale directive replaced",
			msgs: []Message{
				{Role: RoleSystem, Content: "old"},
				{Role: RoleUser, Content: "a>hi"},
			},
			want: []Message{
				{Role: RoleSystem, Content: "new"},
				{Role: RoleUser, Content: "a>hi"},
			},
		},
		{
			name: "missing directive inserted",
			msgs: []Message{
				{Role: RoleUser, Content: "a>hi"},
				{Role: RoleAssistant, Content: "hello"},
			},
			want: []Message{
				{Role: RoleSystem, Content: "new"},
				{Role: RoleUser, Content: "a>hi"},
				{Role: RoleAssistant, Content: "hello"},
			},
		},
		{
			name: "empty history",
			msgs: nil,
			want: []Message{{Role: RoleSystem, Content: "new"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := FromMessages("new", 20, tt.msgs)
			tr.EnsureDirective()

			got := tr.Messages()
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEnforceRetention(t *testing.T) {
	tr := New("d", 20)
	for i := 0; i < 25; i++ {
		tr.Append(RoleUser, fmt.Sprintf("msg %d", i))
		tr.EnforceRetention()
	}

	msgs := tr.Messages()
	if len(msgs) != 21 {
		t.Fatalf("len = %d, want 21", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != "d" {
		t.Errorf("head = %+v, want directive", msgs[0])
	}
	for i, m := range msgs[1:] {
		want := fmt.Sprintf("msg %d", i+5)
		if m.Content != want {
			t.Errorf("[%d] = %q, want %q", i+1, m.Content, want)
		}
	}
}

func TestEnforceRetention_UnderLimit(t *testing.T) {
	tr := New("d", 3)
	tr.Append(RoleUser, "one")
	tr.Append(RoleAssistant, "two")
	tr.EnforceRetention()

	if tr.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tr.Len())
	}
}

func TestFromMessages_EnforcesRetention(t *testing.T) {
	var msgs []Message
	msgs = append(msgs, Message{Role: RoleSystem, Content: "old"})
	for i := 0; i < 10; i++ {
		msgs = append(msgs, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	tr := FromMessages("new", 4, msgs)
	got := tr.Messages()
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].Content != "new" {
		t.Errorf("directive = %q, want %q", got[0].Content, "new")
	}
	if got[1].Content != "m6" || got[4].Content != "m9" {
		t.Errorf("kept %q..%q, want m6..m9", got[1].Content, got[4].Content)
	}
}

func TestRemoveLast(t *testing.T) {
	tr := New("d", 20)
	tr.Append(RoleUser, "a>hi")

	if !tr.RemoveLast() {
		t.Fatal("RemoveLast() = false, want true")
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
	if tr.RemoveLast() {
		t.Error("RemoveLast() removed the directive")
	}
	if tr.Last().Role != RoleSystem {
		t.Errorf("Last().Role = %q, want system", tr.Last().Role)
	}
}

func TestMessages_ReturnsCopy(t *testing.T) {
	tr := New("d", 20)
	tr.Append(RoleUser, "a>hi")

	msgs := tr.Messages()
	msgs[1].Content = "tampered"

	if tr.Last().Content != "a>hi" {
		t.Errorf("Last().Content = %q, transcript was modified through copy", tr.Last().Content)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.Valid() {
			t.Errorf("%q.Valid() = false", r)
		}
	}
	for _, r := range []Role{"", "tool", "System"} {
		if r.Valid() {
			t.Errorf("%q.Valid() = true", r)
		}
	}
}
