package mainagent

import (
	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const resultExcerptLimit = 400

// subscribeResults watches task terminal events so investigation outcomes
// and duty owner-updates reach the owner. Bus fanout is synchronous, so the
// store lookup and delivery happen off the handler goroutine.
func (a *Agent) subscribeResults() {
	a.events.Subscribe(subscriberID, func(ev bus.Event) {
		switch ev.Name {
		case protocol.EventTaskSucceeded, protocol.EventTaskFailed:
		default:
			return
		}
		payload, ok := ev.Payload.(map[string]interface{})
		if !ok {
			return
		}
		id, _ := payload["taskId"].(string)
		if id == "" || !a.running.Load() {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleTaskTerminal(id, ev.Name, payload)
		}()
	})
}

func (a *Agent) handleTaskTerminal(id, event string, payload map[string]interface{}) {
	t, err := a.store.Get(id)
	if err != nil {
		return
	}
	switch {
	case t.Metadata.HasTag("incident"):
		a.notifyIncidentResult(t, event, payload)
	case t.Metadata.HasTag("duty"):
		if event == protocol.EventTaskSucceeded {
			if update := extractOwnerUpdate(t.Result); update != "" {
				a.notifier.Notify(a.runCtx, CategoryImprovements, update, false)
			}
		}
	}
}

func (a *Agent) notifyIncidentResult(t *tasks.Task, event string, payload map[string]interface{}) {
	var text string
	if event == protocol.EventTaskSucceeded {
		result, _ := payload["result"].(string)
		if result == "" {
			result = t.Result
		}
		text = "Investigation finished: " + excerpt(result, resultExcerptLimit)
	} else {
		msg, _ := payload["error"].(string)
		if msg == "" {
			msg = t.Error
		}
		text = "Investigation failed: " + excerpt(msg, resultExcerptLimit)
	}
	a.notifier.Notify(a.runCtx, CategoryIncidentResults, text, false)
}

// excerpt truncates s on a rune boundary, marking the cut.
func excerpt(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
