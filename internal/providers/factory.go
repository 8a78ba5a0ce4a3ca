package providers

import (
	"fmt"
	"path/filepath"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// FromSpec constructs the concrete provider variant for a normalized spec.
// The id doubles as the provider name used in routing and logs.
func FromSpec(id string, spec *config.ProviderSpec) (Provider, error) {
	if err := spec.Normalize(id); err != nil {
		return nil, err
	}

	switch spec.Type {
	case config.ProviderTypeOpenAI:
		p := NewOpenAIProvider(id, spec.APIKey, spec.BaseURL, spec.Model)
		if spec.EmbeddingsModel != "" {
			p.WithEmbeddingsModel(spec.EmbeddingsModel)
		}
		if len(spec.AuthProfiles) > 0 {
			entries := make([]AuthPoolEntry, 0, len(spec.AuthProfiles))
			for _, ap := range spec.AuthProfiles {
				entries = append(entries, AuthPoolEntry{
					Label:           ap.Label,
					KeyRef:          ap.APIKey,
					CooldownMinutes: ap.CooldownMinutes,
				})
			}
			p.WithAuthPool(NewAuthPool(entries))
		}
		return p, nil

	case config.ProviderTypeLocal:
		p := NewLocalProvider(id, spec.BaseURL, spec.Model)
		if spec.EmbeddingsModel != "" {
			p.WithEmbeddingsModel(spec.EmbeddingsModel)
		}
		return p, nil

	case config.ProviderTypeCLI:
		variant := spec.CLIProvider
		if variant == "" {
			variant = filepath.Base(spec.Command)
		}
		return NewCLIProvider(id, variant, spec.Command, spec.Args, spec.Model)
	}

	return nil, fmt.Errorf("provider %q: invalid_config: unknown type %q", id, spec.Type)
}
