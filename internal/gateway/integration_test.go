package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/gateway/methods"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const testToken = "it-token"

// startGateway wires a full control plane on a random loopback port and
// returns the address plus the bus for event injection.
func startGateway(t *testing.T) (addr string, b *bus.MessageBus) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	cfg := &config.Config{}
	cfg.Gateway.Token = testToken
	cfg.Gateway.RateLimitRPM = -1

	manager := router.NewManager(router.Options{
		Logger:        logger,
		Default:       "lmstudio",
		FallbackChain: []string{"lmstudio"},
	})
	if err := manager.Register("lmstudio", &config.ProviderSpec{
		Type:    config.ProviderTypeOpenAI,
		BaseURL: "http://127.0.0.1:1234/v1",
		Model:   "qwen3",
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	store, err := tasks.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	queue := tasks.NewQueue(store, nil, tasks.QueueOptions{Logger: logger})
	t.Cleanup(queue.Close)

	mgr := sessions.NewManager(t.TempDir())
	mgr.GetOrCreate("telegram:dm:42")

	b = bus.New()
	srv := gateway.NewServer(cfg, b, gateway.Deps{
		Providers: manager,
		Sessions:  mgr,
		Tasks:     queue,
		TaskStore: store,
	})

	methods.NewProviderMethods(manager).Register(srv.Router())
	methods.NewTaskMethods(queue, store).Register(srv.Router())
	methods.NewSessionMethods(mgr).Register(srv.Router())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := gateway.StartTestServer(srv, ctx)
	start()
	return addr, b
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	var err error
	// The listener is up before start() returns, but give slow CI a moment.
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) protocol.ResponseFrame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type: protocol.FrameRequest, ID: id, Method: method, Params: raw,
	}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	// Skip any interleaved events until the matching response arrives.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatalf("decode %s: %v", method, err)
		}
		if res.Type == protocol.FrameResponse && res.ID == id {
			return res
		}
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	addr, b := startGateway(t)
	conn := dialWS(t, addr)

	// Methods before connect are rejected.
	res := call(t, conn, "0", protocol.MethodProvidersList, nil)
	if res.OK || res.Error.Code != protocol.ErrCodeUnauthorized {
		t.Fatalf("pre-connect call = %+v, want unauthorized", res)
	}

	res = call(t, conn, "1", protocol.MethodConnect, map[string]interface{}{"token": testToken})
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}

	// Provider listing shows the registered backend.
	res = call(t, conn, "2", protocol.MethodProvidersList, nil)
	if !res.OK {
		t.Fatalf("providers.list failed: %+v", res.Error)
	}
	payload, _ := json.Marshal(res.Payload)
	if !jsonContains(payload, `"lmstudio"`) {
		t.Errorf("providers.list payload missing lmstudio: %s", payload)
	}

	// Session listing sees the seeded session.
	res = call(t, conn, "3", protocol.MethodSessionsList, nil)
	if !res.OK {
		t.Fatalf("sessions.list failed: %+v", res.Error)
	}
	payload, _ = json.Marshal(res.Payload)
	if !jsonContains(payload, `"telegram:dm:42"`) {
		t.Errorf("sessions.list payload missing seeded session: %s", payload)
	}

	// Unknown task id maps to not_found.
	res = call(t, conn, "4", protocol.MethodTasksGet, map[string]string{"id": "missing"})
	if res.OK || res.Error.Code != protocol.ErrCodeNotFound {
		t.Errorf("tasks.get missing = %+v, want not_found", res)
	}

	// Bus events reach the authenticated client.
	b.Broadcast(bus.Event{Name: protocol.EventTaskCreated, Payload: map[string]string{"taskId": "t-99"}})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame protocol.EventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if frame.Type == protocol.FrameEvent && frame.Event == protocol.EventTaskCreated {
			break
		}
	}
}

func TestGatewayRESTAuth(t *testing.T) {
	addr, _ := startGateway(t)

	base := "http://" + addr
	client := &http.Client{Timeout: 5 * time.Second}

	// Health endpoint stays open.
	resp, err := client.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", resp.StatusCode)
	}

	// Providers API rejects missing bearer token.
	resp, err = client.Get(base + "/v1/providers")
	if err != nil {
		t.Fatalf("GET /v1/providers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /v1/providers without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/providers with token: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/providers with token = %d, want 200", resp.StatusCode)
	}
	if !jsonContains(body, `"lmstudio"`) {
		t.Errorf("providers body missing lmstudio: %s", body)
	}

	// Masked spec never leaks a literal key over REST.
	req, _ = http.NewRequest(http.MethodGet, base+"/v1/providers/lmstudio", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/providers/lmstudio: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /v1/providers/lmstudio = %d, want 200", resp.StatusCode)
	}
	if !jsonContains(body, `"baseUrl"`) {
		t.Errorf("provider detail missing spec: %s", body)
	}
}

func jsonContains(data []byte, sub string) bool {
	return bytes.Contains(data, []byte(sub))
}
