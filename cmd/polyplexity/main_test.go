package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
)

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POLYPLEXITY_SERVER_JWT_SECRET", "s3cret")
	cfgPath := ""
	cmd := tokenCMD(&cfgPath)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "ops", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Fatalf("expected a JWT, got %q", out.String())
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	cfgPath := ""
	cmd := tokenCMD(&cfgPath)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestProgressSink(t *testing.T) {
	var out bytes.Buffer
	sink := progressSink(&out)
	_ = sink.Publish(context.Background(), stream.Event{Node: "researcher", Name: "search_start", Payload: map[string]any{"query": "tides"}})
	_ = sink.Publish(context.Background(), stream.Event{Node: "supervisor", Name: "classify"})
	want := "[researcher] search_start tides\n[supervisor] classify\n"
	if out.String() != want {
		t.Fatalf("unexpected output %q", out.String())
	}
}
