package config

import (
	"os"
	"strings"
)

// Kill-switch environment variables. These short-circuit behavior no matter
// what the config file says.
const (
	EnvDisableDiscovery = "ANT_DISABLE_PROVIDER_DISCOVERY"
	EnvDisableTools     = "ANT_DISABLE_PROVIDER_TOOLS"
	EnvExecBlockDelete  = "ANT_EXEC_BLOCK_DELETE"
)

// EnvTruthy reports whether a value counts as "on": trimmed, lowercased,
// one of "1", "true", "yes".
func EnvTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// DiscoveryDisabledByEnv reports the discovery kill switch.
func DiscoveryDisabledByEnv() bool {
	return EnvTruthy(os.Getenv(EnvDisableDiscovery))
}

// ProviderToolsDisabledByEnv reports the provider-admin tool kill switch.
func ProviderToolsDisabledByEnv() bool {
	return EnvTruthy(os.Getenv(EnvDisableTools))
}

// ExecBlockDelete reports whether destructive shell commands are blocked.
func ExecBlockDelete() bool {
	return EnvTruthy(os.Getenv(EnvExecBlockDelete))
}

// IsTestMode reports whether the process runs under an integration harness.
// NODE_ENV is honored so harnesses shared with the hosted assistant disable
// discovery the same way.
func IsTestMode() bool {
	return os.Getenv("NODE_ENV") == "test" || EnvTruthy(os.Getenv("ANT_TEST_MODE"))
}
