package providers

import (
	"errors"
	"testing"
	"time"
)

func TestResolveAPIKey_Forms(t *testing.T) {
	t.Setenv("ANT_TEST_KEY", "sk-secret")

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"literal", "sk-literal", "sk-literal"},
		{"dollar", "$ANT_TEST_KEY", "sk-secret"},
		{"braced", "${ANT_TEST_KEY}", "sk-secret"},
		{"braced env prefix", "${ENV:ANT_TEST_KEY}", "sk-secret"},
		{"env prefix", "env:ANT_TEST_KEY", "sk-secret"},
		{"empty", "", ""},
		{"whitespace", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAPIKey(tt.ref)
			if err != nil {
				t.Fatalf("ResolveAPIKey(%q): %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("ResolveAPIKey(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestResolveAPIKey_MissingEnv(t *testing.T) {
	for _, ref := range []string{"$ANT_NO_SUCH_KEY", "${ANT_NO_SUCH_KEY}", "env:ANT_NO_SUCH_KEY", "${ENV:ANT_NO_SUCH_KEY}"} {
		t.Run(ref, func(t *testing.T) {
			_, err := ResolveAPIKey(ref)
			var mk *MissingKeyError
			if !errors.As(err, &mk) {
				t.Fatalf("ResolveAPIKey(%q) err = %v, want MissingKeyError", ref, err)
			}
			if mk.EnvVar != "ANT_NO_SUCH_KEY" {
				t.Errorf("EnvVar = %q, want ANT_NO_SUCH_KEY", mk.EnvVar)
			}
			if got := mk.Error(); got != "missing_api_key_env:ANT_NO_SUCH_KEY" {
				t.Errorf("Error() = %q, want missing_api_key_env:ANT_NO_SUCH_KEY", got)
			}
		})
	}
}

func TestAuthPool_RoundRobin(t *testing.T) {
	pool := NewAuthPool([]AuthPoolEntry{
		{Label: "a", KeyRef: "key-a"},
		{Label: "b", KeyRef: "key-b"},
	})

	var labels []string
	for i := 0; i < 4; i++ {
		label, key, err := pool.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if key != "key-"+label {
			t.Errorf("key = %q for label %q", key, label)
		}
		labels = append(labels, label)
	}

	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", labels, want)
		}
	}
}

func TestAuthPool_MarkAuthFailureSkipsProfile(t *testing.T) {
	pool := NewAuthPool([]AuthPoolEntry{
		{Label: "a", KeyRef: "key-a", CooldownMinutes: 10},
		{Label: "b", KeyRef: "key-b", CooldownMinutes: 10},
	})
	base := time.Now()
	pool.now = func() time.Time { return base }

	pool.MarkAuthFailure("a")
	for i := 0; i < 3; i++ {
		label, _, err := pool.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if label != "b" {
			t.Errorf("Next() = %q, want b while a is paused", label)
		}
	}

	// After the cooldown window, a rotates back in.
	pool.now = func() time.Time { return base.Add(11 * time.Minute) }
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		label, _, _ := pool.Next()
		seen[label] = true
	}
	if !seen["a"] {
		t.Error("profile a never returned after cooldown expiry")
	}
}

func TestAuthPool_AllPausedFallsBack(t *testing.T) {
	pool := NewAuthPool([]AuthPoolEntry{
		{Label: "a", KeyRef: "key-a"},
		{Label: "b", KeyRef: "key-b"},
	})
	pool.MarkAuthFailure("a")
	pool.MarkAuthFailure("b")

	label, key, err := pool.Next()
	if err != nil {
		t.Fatalf("Next with all paused: %v", err)
	}
	if label == "" || key == "" {
		t.Errorf("Next = (%q, %q), want a usable fallback profile", label, key)
	}
}

func TestNewAuthPool_Empty(t *testing.T) {
	if pool := NewAuthPool(nil); pool != nil {
		t.Error("NewAuthPool(nil) != nil, want nil")
	}
	var pool *AuthPool
	if pool.Size() != 0 {
		t.Error("nil pool Size() != 0")
	}
}
