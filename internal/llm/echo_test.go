package llm

import (
	"context"
	"strings"
	"testing"
)

func TestEchoGenerate(t *testing.T) {
	resp, err := Echo{}.Generate(context.Background(), Request{Goal: "2+2", Step: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "2+2" || resp.Tokens != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEchoStreamIncludesObservations(t *testing.T) {
	var deltas []string
	resp, err := Echo{}.Stream(context.Background(), Request{
		Goal:         "summarise",
		Observations: []Observation{{Source: "a", Content: "one"}, {Source: "b", Content: "two"}},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reply != "summarise [a=one; b=two]" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
	if got := strings.TrimSpace(strings.Join(deltas, "")); got != resp.Reply {
		t.Fatalf("deltas do not reassemble the reply: %q", got)
	}
}

func TestEchoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Echo{}).Generate(ctx, Request{Goal: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
}
