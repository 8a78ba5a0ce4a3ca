// Package sessions — session key builder and parser.
//
// Session keys follow the canonical format:
//
//	{channel}:{kind}:{rest}
//
// Where {rest} depends on the session kind:
//
//	DM:          {channel}:dm:{chatId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Subagent:    system:subagent:{label}
//	Duty run:    system:duty:{dutyName}:run:{runId}
//
// Examples:
//
//	telegram:dm:386246614
//	telegram:group:-100123456
//	telegram:group:-100123456:topic:99
//	system:subagent:incident-4f2a
//	system:duty:digest:run:abc123
package sessions

import (
	"fmt"
	"strings"
)

// Kind distinguishes the session types carried in the key's second
// segment.
type Kind string

const (
	KindDM       Kind = "dm"
	KindGroup    Kind = "group"
	KindSubagent Kind = "subagent"
	KindDuty     Kind = "duty"
)

// SystemChannel is the pseudo-channel for sessions that do not belong to
// a messaging channel (subagents, scheduled duty runs).
const SystemChannel = "system"

// Key is a parsed session key.
type Key struct {
	Channel string
	Kind    Kind
	Rest    string
}

// String re-assembles the canonical form.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Channel, k.Kind, k.Rest)
}

// ChatID returns the conversation id portion of Rest: everything before
// a ":topic:" suffix for forum topics, Rest itself otherwise.
func (k Key) ChatID() string {
	if i := strings.Index(k.Rest, ":topic:"); i >= 0 {
		return k.Rest[:i]
	}
	return k.Rest
}

// BuildKey builds the canonical session key for a channel conversation.
//
//	DM:    {channel}:dm:{chatId}
//	Group: {channel}:group:{groupId}
func BuildKey(channel string, kind Kind, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, kind, chatID)
}

// BuildTopicKey builds the session key for a forum group topic.
//
//	{channel}:group:{groupId}:topic:{topicId}
func BuildTopicKey(channel, groupID string, topicID int) string {
	return fmt.Sprintf("%s:group:%s:topic:%d", channel, groupID, topicID)
}

// BuildSubagentKey builds the session key for a subagent task run.
//
//	system:subagent:{label}
func BuildSubagentKey(label string) string {
	return fmt.Sprintf("%s:subagent:%s", SystemChannel, label)
}

// BuildDutyKey builds the session key for a scheduled duty run.
//
//	system:duty:{dutyName}:run:{runId}
//
// Guards against double-prefixing: if dutyName is already a canonical
// session key, only its rest part is used.
func BuildDutyKey(dutyName, runID string) string {
	if k, ok := Parse(dutyName); ok && k.Kind == KindDuty {
		dutyName = k.Rest
		if i := strings.Index(dutyName, ":run:"); i >= 0 {
			dutyName = dutyName[:i]
		}
	}
	return fmt.Sprintf("%s:duty:%s:run:%s", SystemChannel, dutyName, runID)
}

// Parse splits a canonical session key into its parts. ok is false when
// the key does not have at least three segments.
func Parse(key string) (Key, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, false
	}
	return Key{Channel: parts[0], Kind: Kind(parts[1]), Rest: parts[2]}, true
}

// IsSubagent reports whether the key names a subagent session.
func IsSubagent(key string) bool {
	k, ok := Parse(key)
	return ok && k.Kind == KindSubagent
}

// IsDuty reports whether the key names a scheduled duty session.
func IsDuty(key string) bool {
	k, ok := Parse(key)
	return ok && k.Kind == KindDuty
}

// KindFromGroup returns KindGroup if isGroup is true, KindDM otherwise.
func KindFromGroup(isGroup bool) Kind {
	if isGroup {
		return KindGroup
	}
	return KindDM
}
