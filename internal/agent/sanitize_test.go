package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Hello there.", "Hello there."},
		{"empty stays empty", "", ""},
		{
			"leaked tool xml empties the reply",
			"Let me check.\n<tool_call>\n<parameter name=\"path\">a.txt</parameter>\n</tool_call>",
			"",
		},
		{
			"reasoning tags stripped",
			"<think>step one, step two</think>The answer is 4.",
			"The answer is 4.",
		},
		{
			"reasoning tags cross lines",
			"<thinking>\nscratch\nwork\n</thinking>\nDone.",
			"Done.",
		},
		{
			"final wrapper unwrapped",
			"<final>Ship it.</final>",
			"Ship it.",
		},
		{
			"tool call transcript echo removed",
			"[Tool Call: read_file]\nArguments:\n{\"path\": \"a\"}\nThe file says hi.",
			"The file says hi.",
		},
		{
			"duplicate paragraphs collapsed",
			"Same paragraph.\n\nSame paragraph.\n\nNew one.",
			"Same paragraph.\n\nNew one.",
		},
		{
			"leading blank lines trimmed",
			"\n\n  \nActual reply.",
			"Actual reply.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"NO_REPLY - nothing to add", true},
		{"All done. NO_REPLY", true},
		{"", false},
		{"NO_REPLYABLE", false},
		{"ANO_REPLY", false},
		{"The user said NO_REPLY appears in chats", false},
		{"regular answer", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsSilentReply(tt.in); got != tt.want {
				t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
