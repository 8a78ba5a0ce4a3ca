package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goant/internal/agent"
	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/msgrouter"
)

// makeSessionHandler builds the default per-session handler: run the agent
// loop for the inbound message and publish the reply on the outbound bus.
func makeSessionHandler(cfg *config.Config, eng *agent.Engine, msgBus *bus.MessageBus) msgrouter.Handler {
	return func(ctx context.Context, msg bus.InboundMessage) error {
		res, err := eng.Execute(ctx, agent.ExecuteRequest{
			SessionKey:    msg.SessionKey,
			Query:         msg.Content,
			Channel:       msg.Channel,
			ChatID:        msg.ChatID,
			ImagePaths:    msg.Media,
			SenderIsOwner: isOwner(cfg, msg.SenderID),
		})
		if err != nil {
			return err
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: res.Response,
		})
		return nil
	}
}

// startBusConsumers moves messages between the bus and the message router.
// Adapters and embedders publish inbound on the bus; the router fans out to
// session workers. Replies travel the other way. Returns the debouncer, if
// any, so shutdown can flush it.
func startBusConsumers(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, mr *msgrouter.Router) *bus.InboundDebouncer {
	handleInbound := mr.HandleInbound
	var deb *bus.InboundDebouncer
	if w := cfg.Gateway.InboundDebounceMs; w > 0 {
		deb = bus.NewInboundDebouncer(ms(w), mr.HandleInbound)
		handleInbound = deb.Push
	}

	go func() {
		for {
			msg, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			handleInbound(msg)
		}
	}()

	// Without an adapter for the channel the send fails and the router
	// emits the error event.
	go func() {
		for {
			out, ok := msgBus.ConsumeOutbound(ctx)
			if !ok {
				return
			}
			if err := mr.SendMessage(ctx, out); err != nil {
				slog.Warn("outbound delivery failed", "channel", out.Channel, "error", err)
			}
		}
	}()

	return deb
}
