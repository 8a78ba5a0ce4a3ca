package browser

import (
	"context"
	"strings"
	"testing"
)

func TestManagerDefaults(t *testing.T) {
	m := New()
	if !m.headless {
		t.Error("headless should default to true")
	}

	m = New(WithHeadless(false))
	if m.headless {
		t.Error("WithHeadless(false) not applied")
	}
}

func TestCloseBeforeUse(t *testing.T) {
	m := New()
	m.Close()
	m.Close() // idempotent

	if _, err := m.Render(context.Background(), "https://example.com"); err == nil {
		t.Fatal("Render after Close should fail")
	} else if !strings.Contains(err.Error(), "closed") {
		t.Errorf("Render after Close error = %v, want closed", err)
	}
}
