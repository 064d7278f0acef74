package core

import (
	"context"
	"testing"
	"time"
)

func mustEvent(t *testing.T, c *Client, kind EventKind) *Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("expected event kind %v not received: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

func mustNoEvent(t *testing.T, c *Client) {
	t.Helper()

	if n := c.Pending(); n != 0 {
		t.Fatalf("expected no pending events, got %d", n)
	}
}
