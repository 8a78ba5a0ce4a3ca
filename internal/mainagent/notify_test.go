package mainagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func boolPtr(b bool) *bool { return &b }

func TestNotifierCategoryGates(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.NotifyOnConfig
		category Category
		force    bool
		want     bool
	}{
		{"unset gates deliver", config.NotifyOnConfig{}, CategoryProviders, false, true},
		{"disabled gate suppresses", config.NotifyOnConfig{Providers: boolPtr(false)}, CategoryProviders, false, false},
		{"force overrides disabled gate", config.NotifyOnConfig{Providers: boolPtr(false)}, CategoryProviders, true, true},
		{"gates are independent", config.NotifyOnConfig{Providers: boolPtr(false)}, CategoryErrors, false, true},
		{"enabled gate delivers", config.NotifyOnConfig{Errors: boolPtr(true)}, CategoryErrors, false, true},
		{"incident results gate", config.NotifyOnConfig{IncidentResults: boolPtr(false)}, CategoryIncidentResults, false, false},
		{"improvements gate", config.NotifyOnConfig{Improvements: boolPtr(false)}, CategoryImprovements, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &sinkRecorder{}
			n := NewNotifier(tt.cfg, sink.send, discardLogger())
			got := n.Notify(context.Background(), tt.category, "hello", tt.force)
			if got != tt.want {
				t.Fatalf("Notify = %v, want %v", got, tt.want)
			}
			if delivered := len(sink.all()) == 1; delivered != tt.want {
				t.Fatalf("delivered = %v, want %v", delivered, tt.want)
			}
		})
	}
}

func TestNotifierEdgeCases(t *testing.T) {
	sink := &sinkRecorder{err: errors.New("owner unreachable")}
	n := NewNotifier(config.NotifyOnConfig{}, sink.send, discardLogger())
	if n.Notify(context.Background(), CategoryErrors, "text", false) {
		t.Error("Notify should report false when the sink fails")
	}

	n = NewNotifier(config.NotifyOnConfig{}, nil, discardLogger())
	if n.Notify(context.Background(), CategoryErrors, "text", false) {
		t.Error("Notify should report false without a sink")
	}

	sink = &sinkRecorder{}
	n = NewNotifier(config.NotifyOnConfig{}, sink.send, discardLogger())
	if n.Notify(context.Background(), CategoryErrors, "", false) {
		t.Error("Notify should skip empty text")
	}
}

func TestIncidentResultNotifications(t *testing.T) {
	f := newFixture(t, config.MainAgentConfig{}, config.DiscoveryConfig{})
	f.agent.running.Store(true)
	f.agent.subscribeResults()
	t.Cleanup(func() { f.events.Unsubscribe(subscriberID) })

	inc := tasks.NewTask("investigate socket leak", "system:subagent:incident-4f2a", tasks.LaneMaintenance)
	inc.Metadata.Tags = []string{"incident", "investigation"}
	if err := f.store.Create(inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.events.Broadcast(bus.Event{
		Name:    protocol.EventTaskSucceeded,
		Payload: map[string]interface{}{"taskId": inc.ID, "result": "Root cause: dangling socket from the gateway restart."},
	})
	f.agent.wg.Wait()
	if n := f.sink.countContaining("Investigation finished: Root cause"); n != 1 {
		t.Fatalf("finished notices = %d (%v)", n, f.sink.all())
	}

	f.events.Broadcast(bus.Event{
		Name:    protocol.EventTaskFailed,
		Payload: map[string]interface{}{"taskId": inc.ID, "error": "timed_out"},
	})
	f.agent.wg.Wait()
	if n := f.sink.countContaining("Investigation failed: timed_out"); n != 1 {
		t.Fatalf("failed notices = %d (%v)", n, f.sink.all())
	}
}

func TestDutyOwnerUpdateNotification(t *testing.T) {
	f := newFixture(t, config.MainAgentConfig{}, config.DiscoveryConfig{})
	f.agent.running.Store(true)
	f.agent.subscribeResults()
	t.Cleanup(func() { f.events.Unsubscribe(subscriberID) })

	duty := tasks.NewTask("daily digest", "system:duty:digest:run:4f2a", tasks.LaneAutonomous)
	duty.Metadata.Tags = []string{"duty", "digest"}
	if err := f.store.Create(duty); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.store.SetResult(duty.ID, "Checked feeds.\nOWNER_UPDATE: Disk usage reached 91%."); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	f.events.Broadcast(bus.Event{
		Name:    protocol.EventTaskSucceeded,
		Payload: map[string]interface{}{"taskId": duty.ID, "result": "ignored, store copy wins"},
	})
	f.agent.wg.Wait()
	if n := f.sink.countContaining("Disk usage reached 91%."); n != 1 {
		t.Fatalf("owner updates = %d (%v)", n, f.sink.all())
	}

	// A duty without the marker stays quiet.
	quiet := tasks.NewTask("weekly sweep", "system:duty:sweep:run:9c1d", tasks.LaneAutonomous)
	quiet.Metadata.Tags = []string{"duty", "sweep"}
	if err := f.store.Create(quiet); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.store.SetResult(quiet.ID, "nothing notable"); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	before := len(f.sink.all())
	f.events.Broadcast(bus.Event{
		Name:    protocol.EventTaskSucceeded,
		Payload: map[string]interface{}{"taskId": quiet.ID, "result": "nothing notable"},
	})
	f.agent.wg.Wait()
	if len(f.sink.all()) != before {
		t.Fatalf("quiet duty produced a notification: %v", f.sink.all())
	}
}

func TestUnrelatedTaskEventsIgnored(t *testing.T) {
	f := newFixture(t, config.MainAgentConfig{}, config.DiscoveryConfig{})
	f.agent.running.Store(true)
	f.agent.subscribeResults()
	t.Cleanup(func() { f.events.Unsubscribe(subscriberID) })

	plain := tasks.NewTask("user request", "cli:dm:local", tasks.LaneMain)
	if err := f.store.Create(plain); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.events.Broadcast(bus.Event{
		Name:    protocol.EventTaskSucceeded,
		Payload: map[string]interface{}{"taskId": plain.ID, "result": "ok"},
	})
	f.events.Broadcast(bus.Event{Name: protocol.EventTaskRunning, Payload: map[string]interface{}{}})
	f.agent.wg.Wait()
	if len(f.sink.all()) != 0 {
		t.Fatalf("unexpected notifications: %v", f.sink.all())
	}
}

func TestExcerptTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 500)
	got := excerpt(long, 10)
	if want := strings.Repeat("é", 10) + "…"; got != want {
		t.Errorf("excerpt = %q, want %q", got, want)
	}
	if excerpt("short", 10) != "short" {
		t.Error("excerpt should leave short strings alone")
	}
}
