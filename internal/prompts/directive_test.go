package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDirective(t *testing.T) {
	d := DefaultDirective()
	if !strings.Contains(d, ">") {
		t.Error("directive should explain the name>message framing")
	}
	if !strings.Contains(d, "two paragraphs") {
		t.Error("directive should bound reply length")
	}
}

func TestResolveDirective(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(persona, []byte("\n  Be terse.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	blank := filepath.Join(dir, "blank.md")
	if err := os.WriteFile(blank, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		inline  string
		path    string
		want    string
		wantErr bool
	}{
		{name: "file wins", inline: "inline", path: persona, want: "Be terse."},
		{name: "inline", inline: "  Be kind. ", want: "Be kind."},
		{name: "default", want: DefaultDirective()},
		{name: "missing file", path: filepath.Join(dir, "nope.md"), wantErr: true},
		{name: "blank file", path: blank, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveDirective(tt.inline, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveDirective() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveDirective: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveDirective() = %q, want %q", got, tt.want)
			}
		})
	}
}
