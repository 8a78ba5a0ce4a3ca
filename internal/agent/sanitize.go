package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans assistant text before it is saved to
// the session and delivered: reasoning tags, tool-call artifacts some
// models leak as plain text, and duplicated blocks are removed.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripLeakedToolXML(content)
	if content == "" {
		return ""
	}
	content = stripToolCallText(content)
	content = stripReasoningTags(content)
	content = stripFinalTags(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(leadingBlankLines.ReplaceAllString(content, ""))

	if content != original {
		slog.Debug("agent.content_sanitized", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Models without native tool support sometimes emit tool-call XML as
// text. A response consisting of such markup carries no user content.
var (
	leakedToolXMLTag = regexp.MustCompile(
		`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
	)
	leakedToolXMLMarkers = []string{
		"<function_call", "<invoke", "<tool_call", "<tool_use", "<parameter name=", "</parameter",
	}
)

func stripLeakedToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, marker := range leakedToolXMLMarkers {
		if strings.Contains(lower, marker) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	cleaned := strings.TrimSpace(leakedToolXMLTag.ReplaceAllString(content, ""))
	slog.Warn("agent.leaked_tool_xml_stripped", "original_len", len(content), "remaining_len", len(cleaned))
	// Whatever surrounds leaked tool markup is part of the same failed
	// call attempt, not an answer.
	return ""
}

// stripToolCallText removes "[Tool Call: ...]" / "[Tool Result ...]"
// transcript echoes. Block bodies (argument JSON, indented output) are
// skipped until the next plain line.
func stripToolCallText(content string) string {
	if !strings.Contains(content, "[Tool Call:") && !strings.Contains(content, "[Tool Result") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[Tool Call:") || strings.HasPrefix(trimmed, "[Tool Result") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") ||
				strings.HasPrefix(trimmed, "Arguments:") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Reasoning tags various models wrap their scratch work in. Go regexp has
// no backreferences, so each tag pair gets its own pattern.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripReasoningTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range reasoningTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// <final> wrappers are removed, their content kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// collapseDuplicateBlocks drops consecutive identical paragraphs, a
// common repetition failure under aggressive sampling.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

// silentToken suppresses delivery when the model decides no reply is
// warranted (group chats, duty cycles with nothing to report).
const silentToken = "NO_REPLY"

// IsSilentReply reports whether text is (or is bounded by) the NO_REPLY
// token.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, silentToken); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, silentToken); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
