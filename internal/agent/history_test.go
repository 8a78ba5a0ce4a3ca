package agent

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

func msg(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func assistantCall(ids ...string) providers.Message {
	m := providers.Message{Role: "assistant"}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, providers.ToolCall{ID: id, Name: "t"})
	}
	return m
}

func toolResult(id string) providers.Message {
	return providers.Message{Role: "tool", Content: "out", ToolCallID: id}
}

func TestRepairHistory(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name  string
		in    []providers.Message
		roles []string // expected role sequence
		check func(t *testing.T, out []providers.Message)
	}{
		{
			name: "well formed passes through",
			in: []providers.Message{
				msg("user", "q"), assistantCall("c1"), toolResult("c1"), msg("assistant", "a"),
			},
			roles: []string{"user", "assistant", "tool", "assistant"},
		},
		{
			name:  "leading orphan tools dropped",
			in:    []providers.Message{toolResult("c0"), toolResult("c1"), msg("user", "q")},
			roles: []string{"user"},
		},
		{
			name:  "missing result synthesized",
			in:    []providers.Message{msg("user", "q"), assistantCall("c1", "c2"), toolResult("c1")},
			roles: []string{"user", "assistant", "tool", "tool"},
			check: func(t *testing.T, out []providers.Message) {
				last := out[len(out)-1]
				if last.ToolCallID != "c2" || !strings.Contains(last.Content, "lost") {
					t.Errorf("synthesized = %+v", last)
				}
			},
		},
		{
			name:  "mismatched result dropped and expected synthesized",
			in:    []providers.Message{msg("user", "q"), assistantCall("c1"), toolResult("c9")},
			roles: []string{"user", "assistant", "tool"},
			check: func(t *testing.T, out []providers.Message) {
				if out[2].ToolCallID != "c1" {
					t.Errorf("tool result id = %q, want synthesized c1", out[2].ToolCallID)
				}
			},
		},
		{
			name:  "mid stream orphan tool dropped",
			in:    []providers.Message{msg("user", "q"), msg("assistant", "a"), toolResult("c3")},
			roles: []string{"user", "assistant"},
		},
		{
			name:  "all orphans yields nil",
			in:    []providers.Message{toolResult("c0")},
			roles: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := repairHistory(tt.in, logger)
			if len(out) != len(tt.roles) {
				t.Fatalf("len = %d, want %d (%+v)", len(out), len(tt.roles), out)
			}
			for i, role := range tt.roles {
				if out[i].Role != role {
					t.Errorf("out[%d].Role = %q, want %q", i, out[i].Role, role)
				}
			}
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	threeHundred := msg("user", strings.Repeat("a", 300))

	tests := []struct {
		name                    string
		msgs                    []providers.Message
		calibTokens, calibCount int
		want                    int
	}{
		{
			name: "character heuristic",
			msgs: []providers.Message{threeHundred, threeHundred},
			want: 200,
		},
		{
			name: "images weigh heavily",
			msgs: []providers.Message{{Role: "user", Content: "look", Images: []providers.ImageContent{{}}}},
			want: (4 + 4000) / 3,
		},
		{
			name:        "calibration wins when larger",
			msgs:        []providers.Message{threeHundred, threeHundred, threeHundred, threeHundred},
			calibTokens: 1000,
			calibCount:  2,
			want:        2000,
		},
		{
			name:        "calibration ignored when smaller",
			msgs:        []providers.Message{threeHundred, threeHundred},
			calibTokens: 10,
			calibCount:  2,
			want:        200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.msgs, tt.calibTokens, tt.calibCount); got != tt.want {
				t.Errorf("estimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}
