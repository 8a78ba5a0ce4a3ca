package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func eventsCmd() *cobra.Command {
	var (
		jsonOut bool
		filter  []string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the gateway event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(jsonOut, filter)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print one JSON frame per line")
	cmd.Flags().StringSliceVar(&filter, "event", nil, "only show these event names (repeatable)")
	return cmd
}

func runEvents(jsonOut bool, filter []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s (is the gateway running?): %w", wsURL, err)
	}
	defer conn.Close()

	if err := wsConnect(conn, gatewayToken(cfg)); err != nil {
		return fmt.Errorf("gateway auth: %w", err)
	}

	fmt.Fprintf(os.Stderr, "connected to %s — streaming events (Ctrl-C to stop)\n", wsURL)

	want := map[string]bool{}
	for _, name := range filter {
		want[name] = true
	}

	// Close the socket on SIGINT so the read loop unblocks.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != protocol.FrameEvent {
			continue
		}
		if len(want) > 0 && !want[frame.Event] {
			continue
		}
		if jsonOut {
			fmt.Println(string(data))
			continue
		}
		stamp := time.Now().Format("15:04:05")
		if frame.Payload == nil {
			fmt.Printf("%s  %s\n", stamp, frame.Event)
			continue
		}
		payload, _ := json.Marshal(frame.Payload)
		fmt.Printf("%s  %-24s %s\n", stamp, frame.Event, truncateCell(string(payload), 120))
	}
}

// wsConnect authenticates a fresh socket with the connect method and waits
// for the response.
func wsConnect(conn *websocket.Conn, token string) error {
	params := map[string]interface{}{"protocol": protocol.ProtocolVersion}
	if token != "" {
		params["token"] = token
	}
	raw, _ := json.Marshal(params)
	req := protocol.RequestFrame{
		Type:   protocol.FrameRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: raw,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}
