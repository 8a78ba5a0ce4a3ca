package providers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// CLIProvider wraps a command-line coding agent (claude, copilot, codex,
// kimi) as a chat backend. The conversation is flattened to a single prompt;
// the reply is whatever the subprocess prints. CLI providers cannot join
// tool-call loops.
type CLIProvider struct {
	name         string
	variant      string
	command      string
	args         []string
	defaultModel string
	timeout      time.Duration
	parser       OutputParser
}

// OutputParser turns raw subprocess output into the assistant reply.
type OutputParser func(raw string) (string, error)

// variantDefaults holds per-variant behavior used when the configured args
// carry no {prompt}/{output} placeholder.
var variantDefaults = map[string]struct {
	command string
	args    []string // "{prompt}" marks where the flattened prompt goes
	parser  OutputParser
}{
	"claude":  {command: "claude", args: []string{"-p", "{prompt}"}, parser: ParsePlainOutput},
	"copilot": {command: "copilot", args: []string{"-p", "{prompt}", "--allow-all-tools"}, parser: ParsePlainOutput},
	"codex":   {command: "codex", args: []string{"exec", "-"}, parser: ParsePlainOutput},
	"kimi":    {command: "kimi", args: []string{"--print", "{prompt}"}, parser: ParseKimiFrames},
}

// NewCLIProvider builds a subprocess provider. variant selects default
// command, flags and output parser; command/args override them when set.
func NewCLIProvider(name, variant, command string, args []string, defaultModel string) (*CLIProvider, error) {
	variant = strings.ToLower(strings.TrimSpace(variant))
	def, ok := variantDefaults[variant]
	if !ok {
		return nil, fmt.Errorf("provider %q: invalid_config: unknown cli variant %q", name, variant)
	}
	if command == "" {
		command = def.command
	}
	if defaultModel == "" {
		defaultModel = variant
	}
	return &CLIProvider{
		name:         name,
		variant:      variant,
		command:      command,
		args:         args,
		defaultModel: defaultModel,
		timeout:      120 * time.Second,
		parser:       def.parser,
	}, nil
}

// WithParser overrides the variant's output parser.
func (p *CLIProvider) WithParser(parser OutputParser) *CLIProvider {
	p.parser = parser
	return p
}

// WithTimeout overrides the default subprocess budget.
func (p *CLIProvider) WithTimeout(d time.Duration) *CLIProvider {
	if d > 0 {
		p.timeout = d
	}
	return p
}

func (p *CLIProvider) Name() string         { return p.name }
func (p *CLIProvider) Kind() string         { return KindCLI }
func (p *CLIProvider) DefaultModel() string { return p.defaultModel }
func (p *CLIProvider) Variant() string      { return p.variant }

// FlattenMessages concatenates role-prefixed messages into the single prompt
// a CLI agent accepts. A thinking level other than off becomes a leading
// instruction line.
func FlattenMessages(msgs []Message, thinking string) string {
	var b strings.Builder
	if thinking != "" && thinking != "off" {
		fmt.Fprintf(&b, "Thinking level: %s\n\n", thinking)
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		case "tool":
			b.WriteString("Tool result: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// buildArgs expands {prompt}/{output} placeholders. Without any placeholder
// the variant's default flags are appended. Returns the final argv, the temp
// output file path (if {output} was used) and whether the prompt goes to
// stdin ("-" argument).
func (p *CLIProvider) buildArgs(prompt string) (args []string, outputFile string, useStdin bool, err error) {
	hadPlaceholder := false
	for _, a := range p.args {
		if strings.Contains(a, "{output}") {
			if outputFile == "" {
				f, ferr := os.CreateTemp("", "ant-cli-*.out")
				if ferr != nil {
					return nil, "", false, fmt.Errorf("%s: temp output: %w", p.name, ferr)
				}
				outputFile = f.Name()
				f.Close()
			}
			a = strings.ReplaceAll(a, "{output}", outputFile)
			hadPlaceholder = true
		}
		if strings.Contains(a, "{prompt}") {
			a = strings.ReplaceAll(a, "{prompt}", prompt)
			hadPlaceholder = true
		}
		args = append(args, a)
	}

	if !hadPlaceholder {
		for _, a := range variantDefaults[p.variant].args {
			args = append(args, strings.ReplaceAll(a, "{prompt}", prompt))
		}
	}

	// Destructive-exec kill switch also revokes the subprocess's blanket
	// tool permission.
	if config.ExecBlockDelete() {
		args = slices.DeleteFunc(args, func(a string) bool { return a == "--allow-all-tools" })
	}

	useStdin = slices.Contains(args, "-")
	return args, outputFile, useStdin, nil
}

func (p *CLIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	prompt := FlattenMessages(req.Messages, OptString(req.Options, OptThinking, ""))

	timeout := p.timeout
	if ms := OptInt(req.Options, OptTimeoutMs, 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, outputFile, useStdin, err := p.buildArgs(prompt)
	if err != nil {
		return nil, err
	}
	if outputFile != "" {
		defer os.Remove(outputFile)
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if useStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	runErr := cmd.Run()

	raw := stdout.String()
	if outputFile != "" {
		if data, rerr := os.ReadFile(outputFile); rerr == nil && len(bytes.TrimSpace(data)) > 0 {
			raw = string(data)
		}
	}

	if looksRateLimited(raw) || looksRateLimited(stderr.String()) {
		return nil, fmt.Errorf("%s: cli output indicates rate limit", p.name)
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: cli timed out after %s", p.name, timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(raw)
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return nil, fmt.Errorf("%s: cli failed: %w: %s", p.name, runErr, detail)
	}

	content, err := p.parser(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: parse output: %w", p.name, err)
	}

	return &ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Model:        p.defaultModel,
	}, nil
}

// Health runs `command --version` with a 5 s budget; exit 0 means healthy.
func (p *CLIProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, "--version")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: health: %w", p.name, err)
	}
	return nil
}

// looksRateLimited scans subprocess output for throttle indicators: a 429
// code, or "rate" together with "limit".
func looksRateLimited(s string) bool {
	l := strings.ToLower(s)
	if strings.Contains(l, "429") {
		return true
	}
	return strings.Contains(l, "rate") && strings.Contains(l, "limit")
}
