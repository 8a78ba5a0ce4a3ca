package tasks

import "testing"

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		active   bool
	}{
		{StatusCreated, false, false},
		{StatusQueued, false, true},
		{StatusRunning, false, true},
		{StatusRetrying, false, true},
		{StatusSucceeded, true, false},
		{StatusFailed, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestValidLane(t *testing.T) {
	for _, lane := range []Lane{LaneMain, LaneAutonomous, LaneMaintenance} {
		if !ValidLane(lane) {
			t.Errorf("ValidLane(%s) = false", lane)
		}
	}
	if ValidLane("express") {
		t.Error("ValidLane accepted unknown lane")
	}
}

func TestTaskClone(t *testing.T) {
	orig := NewTask("desc", "telegram:dm:1", LaneMain)
	orig.Metadata.Tags = []string{"a", "b"}

	c := orig.Clone()
	c.Description = "changed"
	c.Metadata.Tags[0] = "z"

	if orig.Description != "desc" {
		t.Error("clone shares Description")
	}
	if orig.Metadata.Tags[0] != "a" {
		t.Error("clone shares Tags backing array")
	}
}

func TestMetadataHasTag(t *testing.T) {
	m := Metadata{Tags: []string{"incident", "investigation"}}
	if !m.HasTag("incident") {
		t.Error("HasTag missed present tag")
	}
	if m.HasTag("routine") {
		t.Error("HasTag matched absent tag")
	}
}
