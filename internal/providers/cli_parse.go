package providers

import (
	"regexp"
	"strings"
)

// ParsePlainOutput trims the subprocess output and uses it verbatim.
func ParsePlainOutput(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

// textPartRe captures the single-quoted text field of a TextPart frame,
// honoring backslash escapes inside the quotes.
var textPartRe = regexp.MustCompile(`TextPart\([^)]*?text='((?:[^'\\]|\\.)*)'`)

// Frames that steer the agent loop rather than carry user-visible text.
var loopControlMarkers = []string{"LoopControl(", "LoopContinue(", "LoopEnd("}

// ParseKimiFrames extracts assistant text from a kimi protocol-frame dump.
// The output is a stream of pseudo-constructor frames; only TextPart frames
// inside non-loop-control turns carry the reply.
func ParseKimiFrames(raw string) (string, error) {
	start := strings.Index(raw, "TurnBegin(")
	if start < 0 {
		return strings.TrimSpace(raw), nil
	}

	var parts []string
	for _, turn := range strings.Split(raw[start:], "TurnBegin(") {
		if strings.TrimSpace(turn) == "" {
			continue
		}
		if containsAny(turn, loopControlMarkers) {
			continue
		}
		for _, m := range textPartRe.FindAllStringSubmatch(turn, -1) {
			text := unescapeFrameText(m[1])
			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				continue
			}
			// Echoed prompt fragments are not part of the reply.
			if strings.HasPrefix(trimmed, "System:") || strings.HasPrefix(trimmed, "User:") {
				continue
			}
			parts = append(parts, trimmed)
		}
	}

	return strings.Join(parts, "\n"), nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// unescapeFrameText reverses the repr-style escapes used inside frame
// string fields.
func unescapeFrameText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\'':
			b.WriteByte('\'')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
