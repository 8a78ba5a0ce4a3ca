package methods

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/goant/internal/config"
)

func TestMaskSpec(t *testing.T) {
	t.Run("nil passthrough", func(t *testing.T) {
		if maskSpec(nil) != nil {
			t.Fatal("maskSpec(nil) should be nil")
		}
	})

	t.Run("literal key masked", func(t *testing.T) {
		spec := &config.ProviderSpec{
			Type:    config.ProviderTypeOpenAI,
			BaseURL: "https://api.example.com/v1",
			APIKey:  "sk-live-abcdef",
		}
		masked := maskSpec(spec)
		if masked.APIKey != "***" {
			t.Errorf("APIKey = %q, want masked", masked.APIKey)
		}
		if spec.APIKey != "sk-live-abcdef" {
			t.Error("maskSpec mutated the original spec")
		}
		if masked.BaseURL != spec.BaseURL {
			t.Error("non-secret fields must survive masking")
		}
	})

	t.Run("env reference kept", func(t *testing.T) {
		spec := &config.ProviderSpec{APIKey: "${OPENROUTER_API_KEY}"}
		if got := maskSpec(spec).APIKey; got != "${OPENROUTER_API_KEY}" {
			t.Errorf("APIKey = %q, env references name a variable, not a secret", got)
		}
	})

	t.Run("auth profiles masked", func(t *testing.T) {
		spec := &config.ProviderSpec{
			AuthProfiles: []config.AuthProfile{
				{APIKey: "sk-one", Label: "primary"},
				{APIKey: "sk-two", Label: "backup"},
			},
		}
		masked := maskSpec(spec)
		for i, p := range masked.AuthProfiles {
			if p.APIKey != "***" {
				t.Errorf("profile %d APIKey = %q, want masked", i, p.APIKey)
			}
		}
		if masked.AuthProfiles[0].Label != "primary" {
			t.Error("profile labels must survive masking")
		}
		if spec.AuthProfiles[0].APIKey != "sk-one" {
			t.Error("maskSpec mutated the original profiles")
		}
	})
}

func TestFriendlyVerifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "plain error",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "json body message",
			err:  errors.New(`HTTP 401: {"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`),
			want: "Incorrect API key provided",
		},
		{
			name: "message with spacing",
			err:  errors.New(`provider: {"error": {"message": "model not found"}}`),
			want: "model not found",
		},
		{
			name: "message field without quoted value",
			err:  errors.New(`weird "message": 42 body`),
			want: `weird "message": 42 body`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := friendlyVerifyError(tt.err); got != tt.want {
				t.Errorf("friendlyVerifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderIDPattern(t *testing.T) {
	valid := []string{"openrouter", "lmstudio-2", "ollama.local", "a", "gpt_4"}
	invalid := []string{"", "-leading", "UPPER", "has space", ".dot"}

	for _, id := range valid {
		if !providerIDRe.MatchString(id) {
			t.Errorf("id %q should be accepted", id)
		}
	}
	for _, id := range invalid {
		if providerIDRe.MatchString(id) {
			t.Errorf("id %q should be rejected", id)
		}
	}
}
