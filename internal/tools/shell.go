package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// Always-on deny patterns. These cannot be configured away: they block
// command shapes that are never legitimate for an agent-driven shell,
// regardless of approval settings.
var defaultDenyPatterns = []*regexp.Regexp{
	// Disk and system destruction.
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Fetch-and-execute.
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\beval\s*\$`),

	// Reverse shells and raw sockets.
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bopenssl\b.*s_client`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\bpython[23]?\b.*\bimport\s+(socket|http\.client|urllib|requests)\b`),
	regexp.MustCompile(`\bperl\b.*-e\s*.*\b[Ss]ocket\b`),
	regexp.MustCompile(`\bruby\b.*-e\s*.*\b(TCPSocket|Socket)\b`),
	regexp.MustCompile(`\bnode\b.*-e\s*.*\b(net\.connect|child_process)\b`),

	// Privilege escalation.
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bunshare\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\b(capsh|setcap|getcap)\b`),

	// Loader and shell-init injection.
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
	regexp.MustCompile(`/etc/ld\.so\.preload`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\btee\b.*\.(bashrc|bash_profile|profile|zshrc)`),

	// Host takeover surfaces.
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),
	regexp.MustCompile(`/sys/(kernel|fs|class|devices)/`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\bkill\s+-9\s`),

	// Secret dumping. Bare env/printenv exposes API keys and DSNs;
	// 'env VAR=val cmd' stays allowed.
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`^\s*env\s*\|`),
	regexp.MustCompile(`^\s*env\s*>\s`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// deleteDenyPatterns apply only while ANT_EXEC_BLOCK_DELETE is set. File
// removal is normally allowed; the switch exists for unattended runs where
// the owner wants the agent read-mostly.
var deleteDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[A-Za-z]*[rf]`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\brmdir\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\bfind\b.*-delete\b`),
	regexp.MustCompile(`\bshred\b`),
	regexp.MustCompile(`\bgit\s+clean\b.*-[A-Za-z]*f`),
}

// Approver resolves "ask" decisions from the exec approval policy. The
// gateway wires this to the owner channel; a nil approver turns every ask
// into a deny.
type Approver interface {
	RequestApproval(ctx context.Context, command string) (bool, error)
}

// ExecTool runs shell commands on the host with deny-pattern screening and
// an optional approval gate.
type ExecTool struct {
	workingDir   string
	timeout      time.Duration
	restrict     bool
	denyPatterns []*regexp.Regexp
	approval     config.ExecApprovalCfg
	approver     Approver
}

func NewExecTool(workingDir string, restrict bool) *ExecTool {
	return &ExecTool{
		workingDir:   workingDir,
		timeout:      60 * time.Second,
		restrict:     restrict,
		denyPatterns: defaultDenyPatterns,
	}
}

// SetApproval installs the approval policy and the approver that handles
// "ask" outcomes.
func (t *ExecTool) SetApproval(cfg config.ExecApprovalCfg, approver Approver) {
	t.approval = cfg
	t.approver = approver
}

// SetTimeout overrides the default 60s command timeout.
func (t *ExecTool) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	if config.ExecBlockDelete() {
		for _, pattern := range deleteDenyPatterns {
			if pattern.MatchString(command) {
				return ErrorResult("delete commands are blocked (" + config.EnvExecBlockDelete + " is set)")
			}
		}
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	switch t.decide(command) {
	case "deny":
		return ErrorResult("command denied by exec approval policy")
	case "ask":
		if t.approver == nil {
			return ErrorResult("command requires approval and no approver is attached")
		}
		askCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		approved, err := t.approver.RequestApproval(askCtx, command)
		cancel()
		if err != nil {
			return ErrorResult(fmt.Sprintf("exec approval: %v", err))
		}
		if !approved {
			return ErrorResult("command denied by owner")
		}
	}

	cwd := ToolWorkspaceFromCtx(ctx)
	if cwd == "" {
		cwd = t.workingDir
	}
	if wd, _ := args["working_dir"].(string); wd != "" {
		if t.restrict {
			resolved, err := resolvePath(wd, cwd, true)
			if err != nil {
				return ErrorResult(err.Error())
			}
			cwd = resolved
		} else {
			cwd = wd
		}
	}

	return t.run(ctx, command, cwd)
}

// decide maps the approval config onto allow/ask/deny for one command.
// Security levels: "deny" blocks everything, "allowlist" requires a glob
// match, "full" (default) allows. Ask "always" forces an ask on allowed
// commands; "on-miss" asks instead of denying an allowlist miss.
func (t *ExecTool) decide(command string) string {
	security := t.approval.Security
	ask := t.approval.Ask

	switch security {
	case "deny":
		return "deny"
	case "allowlist":
		if matchesAllowlist(command, t.approval.Allowlist) {
			if ask == "always" {
				return "ask"
			}
			return "allow"
		}
		if ask == "on-miss" || ask == "always" {
			return "ask"
		}
		return "deny"
	default: // "full" or unset
		if ask == "always" {
			return "ask"
		}
		return "allow"
	}
}

func (t *ExecTool) run(ctx context.Context, command, cwd string) *Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			slog.Warn("exec.timeout", "command", truncateCmd(command, 80), "timeout", t.timeout)
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}

	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}

// matchesAllowlist reports whether the command matches any glob pattern.
// '*' matches any run of characters, spaces included, so "git *" covers
// every git invocation.
func matchesAllowlist(command string, patterns []string) bool {
	trimmed := strings.TrimSpace(command)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if globToRegexp(p).MatchString(trimmed) {
			return true
		}
	}
	return false
}

func globToRegexp(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.MustCompile(`^` + quoted + `$`)
}

func truncateCmd(command string, max int) string {
	if len(command) <= max {
		return command
	}
	return command[:max] + "..."
}
