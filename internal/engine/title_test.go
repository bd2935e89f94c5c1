package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestExtractTitle(t *testing.T) {
	long := strings.Repeat("é", 250)

	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"plain", "<bitk><title>Fix login redirect</title></bitk>", "Fix login redirect"},
		{"surrounding chatter", "Sure, here you go:\n<bitk><title>Add retry loop</title></bitk>\nDone.", "Add retry loop"},
		{"inner whitespace trimmed", "<bitk><title>  Tidy config  </title></bitk>", "Tidy config"},
		{"multiline inner", "<bitk><title>Fix\nlogin</title></bitk>", "Fix\nlogin"},
		{"first envelope wins", "<bitk><title>first</title></bitk><bitk><title>second</title></bitk>", "first"},
		{"no envelope", "Fix login redirect", ""},
		{"unclosed envelope", "<bitk><title>Fix login", ""},
		{"empty inner", "<bitk><title></title></bitk>", ""},
		{"whitespace inner", "<bitk><title>   \n </title></bitk>", ""},
		{"long title capped at 200 runes", "<bitk><title>" + long + "</title></bitk>", strings.Repeat("é", 200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTitle(tt.output))
		})
	}
}

func TestTitleSystemPromptMatchesExtractor(t *testing.T) {
	assert.Contains(t, TitleSystemPrompt, "<bitk><title>")
	assert.Contains(t, TitleSystemPrompt, "</title></bitk>")
}

func TestExtractTitleRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inner := rapid.StringMatching(`[^<]{0,300}`).Draw(t, "inner")
		got := ExtractTitle("noise before <bitk><title>" + inner + "</title></bitk> noise after")

		want := strings.TrimSpace(inner)
		if runes := []rune(want); len(runes) > 200 {
			want = string(runes[:200])
		}
		if got != want {
			t.Fatalf("extracted %q from inner %q, want %q", got, inner, want)
		}
	})
}
