package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/logging"
)

// defaultConfig is the starter config seeded on first run. The loader
// parses JSON5, so the comments survive a round trip through a text editor.
const defaultConfig = `{
  // goant configuration. Environment variables (ANT_*) override file values.
  providers: {
    list: {
      // openrouter: {
      //   type: "openai",
      //   baseUrl: "https://openrouter.ai/api/v1",
      //   apiKey: "${OPENROUTER_API_KEY}",
      //   model: "anthropic/claude-sonnet-4",
      // },
      // ollama: {
      //   type: "local",
      //   baseUrl: "http://127.0.0.1:11434",
      //   model: "llama3.2",
      // },
    },
  },
  gateway: {
    host: "127.0.0.1",
    port: 18890,
    // The auth token comes from ANT_GATEWAY_TOKEN; never store it here.
  },
}
`

// EnsureStateDirs creates the state directories the runtime writes to,
// derived from the config's (possibly overridden) paths. Existing
// directories are left alone; per-directory failures are logged and the
// rest proceed. Returns the directories that were created.
func EnsureStateDirs(cfg *config.Config) []string {
	var created []string
	for _, dir := range stateDirs(cfg) {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("bootstrap: failed to create state dir", "dir", dir, "error", err)
			continue
		}
		created = append(created, dir)
	}
	return created
}

// stateDirs lists every directory the runtime expects, deduplicated.
func stateDirs(cfg *config.Config) []string {
	logPath := cfg.MainAgent.ErrorScan.LogPath
	if logPath == "" {
		logPath = logging.DefaultLogPath()
	}

	candidates := []string{
		config.ExpandHome(cfg.Agent.Workspace),
		config.ExpandHome(cfg.Tasks.Dir),
		config.ExpandHome(cfg.Sessions.Storage),
		filepath.Dir(config.ExpandHome(cfg.Providers.Discovery.OverlayPath)),
		filepath.Dir(config.ExpandHome(logPath)),
		filepath.Dir(config.ExpandHome(cfg.Tracing.DBPath)),
	}

	seen := make(map[string]bool, len(candidates))
	dirs := make([]string, 0, len(candidates))
	for _, d := range candidates {
		if d == "" || d == "." || seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	return dirs
}

// EnsureConfig seeds the default config file if none exists. Returns true
// when the file was created. The file is mode 0600: owner ids and allowed
// origins are not secrets, but the file may grow some later.
func EnsureConfig(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write([]byte(defaultConfig)); err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}
