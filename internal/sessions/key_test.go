package sessions

import "testing"

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dm", BuildKey("telegram", KindDM, "386246614"), "telegram:dm:386246614"},
		{"group", BuildKey("telegram", KindGroup, "-100123456"), "telegram:group:-100123456"},
		{"topic", BuildTopicKey("telegram", "-100123456", 99), "telegram:group:-100123456:topic:99"},
		{"subagent", BuildSubagentKey("incident-4f2a"), "system:subagent:incident-4f2a"},
		{"duty", BuildDutyKey("digest", "abc123"), "system:duty:digest:run:abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildDutyKeyNoDoublePrefix(t *testing.T) {
	first := BuildDutyKey("digest", "run1")
	second := BuildDutyKey(first, "run2")
	if second != "system:duty:digest:run:run2" {
		t.Errorf("double-prefixed duty key: %q", second)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		key     string
		channel string
		kind    Kind
		rest    string
		chatID  string
		ok      bool
	}{
		{"telegram:dm:12345", "telegram", KindDM, "12345", "12345", true},
		{"telegram:group:-100:topic:7", "telegram", KindGroup, "-100:topic:7", "-100", true},
		{"system:subagent:label", "system", KindSubagent, "label", "label", true},
		{"whatsapp:dm:84900000000", "whatsapp", KindDM, "84900000000", "84900000000", true},
		{"notakey", "", "", "", "", false},
		{"a:b", "", "", "", "", false},
		{":dm:1", "", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			k, ok := Parse(tt.key)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if k.Channel != tt.channel || k.Kind != tt.kind || k.Rest != tt.rest {
				t.Errorf("parsed %+v, want %s/%s/%s", k, tt.channel, tt.kind, tt.rest)
			}
			if k.ChatID() != tt.chatID {
				t.Errorf("ChatID() = %q, want %q", k.ChatID(), tt.chatID)
			}
			if k.String() != tt.key {
				t.Errorf("String() = %q, want %q", k.String(), tt.key)
			}
		})
	}
}

func TestSessionKindPredicates(t *testing.T) {
	if !IsSubagent("system:subagent:x") {
		t.Error("IsSubagent missed subagent key")
	}
	if IsSubagent("telegram:dm:1") {
		t.Error("IsSubagent matched dm key")
	}
	if !IsDuty("system:duty:digest:run:1") {
		t.Error("IsDuty missed duty key")
	}
	if IsDuty("system:subagent:x") {
		t.Error("IsDuty matched subagent key")
	}
}

func TestKindFromGroup(t *testing.T) {
	if KindFromGroup(true) != KindGroup || KindFromGroup(false) != KindDM {
		t.Error("KindFromGroup mapping wrong")
	}
}
