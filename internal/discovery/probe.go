package discovery

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/providers"
)

// Canned verification probe. Cheap, deterministic, and answerable by any
// chat-capable backend.
const (
	probePrompt    = "Reply with a single word: PONG."
	probeMaxTokens = 10

	defaultProbeTimeout = 8 * time.Second
)

// ProbeResult is the outcome of one verification call.
type ProbeResult struct {
	OK        bool
	LatencyMs int64
	Error     string
}

// ProbeFunc verifies one candidate spec. Swapped in tests.
type ProbeFunc func(ctx context.Context, id string, spec *config.ProviderSpec, timeout time.Duration) ProbeResult

// chatProbe builds the concrete variant and runs the canned probe
// through its normal chat path, so verification exercises the same code
// real traffic will.
func chatProbe(ctx context.Context, id string, spec *config.ProviderSpec, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	p, err := providers.FromSpec(id, spec)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err = p.Chat(probeCtx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: probePrompt}},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   probeMaxTokens,
			providers.OptTemperature: 0.0,
		},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ProbeResult{LatencyMs: latency, Error: err.Error()}
	}
	return ProbeResult{OK: true, LatencyMs: latency}
}

// scoreFor maps a probe outcome to a reliability score: 0 on failure,
// otherwise clamp(10, round(100 - latencyMs/100), 100).
func scoreFor(res ProbeResult) int {
	if !res.OK {
		return 0
	}
	s := int(math.Round(100.0 - float64(res.LatencyMs)/100.0))
	if s < 10 {
		s = 10
	}
	if s > 100 {
		s = 100
	}
	return s
}

// kindFor classifies a spec for overlay ordering: loopback endpoints and
// local-type providers count as local.
func kindFor(spec *config.ProviderSpec) string {
	if spec.Type == config.ProviderTypeLocal {
		return KindLocal
	}
	if strings.Contains(spec.BaseURL, "127.0.0.1") || strings.Contains(spec.BaseURL, "localhost") {
		return KindLocal
	}
	return KindRemote
}
