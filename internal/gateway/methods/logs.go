package methods

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/logging"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// logs.tail window bounds, in KiB.
const (
	defaultTailKB = 64
	maxTailKB     = 1024
)

// LogMethods serves the process event log over WebSocket RPC.
type LogMethods struct {
	path string
}

// NewLogMethods creates a handler reading the given JSON log file.
func NewLogMethods(path string) *LogMethods {
	return &LogMethods{path: path}
}

// Register registers the log RPC methods.
func (m *LogMethods) Register(r *gateway.MethodRouter) {
	r.Register(protocol.MethodLogsTail, m.handleTail)
}

// handleTail returns the last maxKb of the log as raw lines. Lines stay
// unparsed JSON so the client keeps every attribute.
func (m *LogMethods) handleTail(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		MaxKB int `json:"maxKb"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.MaxKB <= 0 {
		params.MaxKB = defaultTailKB
	}
	if params.MaxKB > maxTailKB {
		params.MaxKB = maxTailKB
	}

	data, err := logging.Tail(m.path, int64(params.MaxKB)*1024)
	if err != nil {
		if os.IsNotExist(err) {
			client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
				"path": m.path, "lines": []string{},
			}))
			return
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "failed to read log"))
		return
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"path":  m.path,
		"lines": lines,
	}))
}
