package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goant doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Providers from the catalog, sorted for stable output.
	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers.List) == 0 {
		fmt.Println("    (none configured — discovery will probe local endpoints)")
	}
	ids := make([]string, 0, len(cfg.Providers.List))
	for id := range cfg.Providers.List {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		checkProviderSpec(id, cfg.Providers.List[id])
	}
	if len(cfg.Providers.FallbackChain) > 0 {
		fmt.Printf("    %-16s %s\n", "Fallback:", strings.Join(cfg.Providers.FallbackChain, " → "))
	}
	if cfg.Providers.Default != "" {
		fmt.Printf("    %-16s %s\n", "Default:", cfg.Providers.Default)
	}

	// Discovery overlay consistency.
	fmt.Println()
	fmt.Println("  Discovery:")
	overlayPath := config.ExpandHome(cfg.Providers.Discovery.OverlayPath)
	checkOverlay(overlayPath, cfg)

	// Task store.
	fmt.Println()
	fmt.Println("  Tasks:")
	checkTaskDir(config.ExpandHome(cfg.Tasks.Dir))

	// Database (managed mode only).
	if cfg.Database.Mode == "managed" {
		fmt.Println()
		fmt.Println("  Database:")
		checkDatabase(cfg.Database.PostgresDSN)
	}

	// Gateway liveness: a running instance answers /health without auth.
	fmt.Println()
	fmt.Println("  Gateway:")
	checkGateway(cfg.Gateway.Host, cfg.Gateway.Port)

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	ws := config.ExpandHome(cfg.Agent.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkProviderSpec prints one catalog entry: type, model, key state, and
// endpoint reachability. Literal keys are shown masked; env references show
// the variable name and whether it is set.
func checkProviderSpec(id string, spec *config.ProviderSpec) {
	if spec == nil {
		return
	}
	detail := spec.Type
	if spec.Model != "" {
		detail += " " + spec.Model
	}

	switch {
	case spec.Type == config.ProviderTypeCLI:
		bin := spec.Command
		if bin == "" {
			bin = spec.CLIProvider
		}
		if _, err := exec.LookPath(bin); err != nil {
			detail += fmt.Sprintf(" (binary %q NOT FOUND)", bin)
		} else {
			detail += fmt.Sprintf(" (binary %s)", bin)
		}
	case spec.APIKey == "":
		detail += " keyless"
	case providers.IsEnvReference(spec.APIKey):
		if _, err := providers.ResolveAPIKey(spec.APIKey); err != nil {
			detail += fmt.Sprintf(" key=%s (UNSET)", spec.APIKey)
		} else {
			detail += fmt.Sprintf(" key=%s (set)", spec.APIKey)
		}
	default:
		detail += " key=" + maskKey(spec.APIKey)
	}

	if spec.BaseURL != "" {
		if reachable(spec.BaseURL) {
			detail += " reachable"
		} else {
			detail += " UNREACHABLE"
		}
	}
	fmt.Printf("    %-16s %s\n", id+":", detail)
}

func maskKey(key string) string {
	if len(key) < 12 {
		return "***"
	}
	return key[:4] + strings.Repeat("*", 4) + key[len(key)-4:]
}

// reachable does a quick GET against the endpoint root. Any HTTP answer
// counts; only transport errors mean the endpoint is down.
func reachable(baseURL string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequest(http.MethodGet, baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func checkOverlay(path string, cfg *config.Config) {
	fmt.Printf("    %-16s %v\n", "Enabled:", cfg.IsDiscoveryEnabled())
	fmt.Printf("    %-16s %s", "Overlay:", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (not present)")
		return
	}
	fmt.Println()

	ov, err := discovery.NewOverlayStore(path, nil).Load()
	if err != nil {
		fmt.Printf("    %-16s PARSE FAILED (%s)\n", "Entries:", err)
		return
	}
	stale := 0
	for _, rec := range ov.Providers {
		if rec == nil || rec.Config == nil {
			stale++
		}
	}
	if stale > 0 {
		fmt.Printf("    %-16s %d (%d without config — will be dropped)\n", "Entries:", len(ov.Providers), stale)
	} else {
		fmt.Printf("    %-16s %d\n", "Entries:", len(ov.Providers))
	}
}

func checkTaskDir(dir string) {
	fmt.Printf("    %-16s %s", "Dir:", dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println(" (not present)")
		return
	}
	fmt.Println(" (OK)")
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	fmt.Printf("    %-16s %d\n", "Task files:", count)
}

func checkDatabase(dsn string) {
	fmt.Printf("    %-16s managed\n", "Mode:")
	if dsn == "" {
		fmt.Printf("    %-16s ANT_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-16s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-16s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-16s connected\n", "Status:")

	var version int64
	var dirty bool
	row := db.QueryRowContext(context.Background(),
		"SELECT version, dirty FROM schema_migrations LIMIT 1")
	if err := row.Scan(&version, &dirty); err != nil {
		fmt.Printf("    %-16s none (run: goant migrate up)\n", "Schema:")
	} else if dirty {
		fmt.Printf("    %-16s v%d (DIRTY — run: goant migrate force %d)\n", "Schema:", version, version-1)
	} else {
		fmt.Printf("    %-16s v%d\n", "Schema:", version)
	}
}

func checkGateway(host string, port int) {
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/health", host, port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("    %-16s not running (%s)\n", "Status:", url)
		return
	}
	defer resp.Body.Close()
	fmt.Printf("    %-16s running (%s → %s)\n", "Status:", url, resp.Status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
