package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	c := (*natsHeaderCarrier)(msg)

	if c.Get("traceparent") != "" {
		t.Fatal("empty carrier should return empty string")
	}
	if c.Keys() != nil {
		t.Fatal("empty carrier should have no keys")
	}

	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("got %q", got)
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("expected 1 key, got %v", c.Keys())
	}
	// The underlying message must see the header too.
	if msg.Header.Get("traceparent") == "" {
		t.Fatal("header not written through to message")
	}
}
