package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestCarrier(t *testing.T) {
	msg := &nats.Msg{}
	c := (*natsHeaderCarrier)(msg)

	if got := c.Get("traceparent"); got != "" {
		t.Errorf("empty carrier returned %q", got)
	}
	if keys := c.Keys(); keys != nil {
		t.Errorf("empty carrier keys: %v", keys)
	}

	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("got %q", got)
	}
	if keys := c.Keys(); len(keys) != 1 {
		t.Errorf("keys: %v", keys)
	}
}
