package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (r *recorder) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) steps() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Data.(StepStarted).Step)
	}
	return out
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	first, second := &recorder{}, &recorder{}
	defer b.Subscribe("s1", first)()
	defer b.Subscribe("s1", second)()

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish("s1", New(TypeStepStarted, "s1", StepStarted{Step: i}))
	}

	for name, rec := range map[string]*recorder{"first": first, "second": second} {
		steps := rec.steps()
		if len(steps) != n {
			t.Fatalf("%s: expected %d events, got %d", name, n, len(steps))
		}
		for i, step := range steps {
			if step != i {
				t.Fatalf("%s: event %d out of order (step %d)", name, i, step)
			}
		}
	}
}

func TestConcurrentPublishersShareOneOrder(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	first, second := &recorder{}, &recorder{}
	defer b.Subscribe("s1", first)()
	defer b.Subscribe("s1", second)()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish("s1", New(TypeStepStarted, "s1", StepStarted{Step: p*1000 + i}))
			}
		}(p)
	}
	wg.Wait()

	a, c := first.steps(), second.steps()
	if len(a) != 200 || len(c) != 200 {
		t.Fatalf("expected 200 events each, got %d and %d", len(a), len(c))
	}
	for i := range a {
		if a[i] != c[i] {
			t.Fatalf("subscribers diverged at %d: %d vs %d", i, a[i], c[i])
		}
	}
}

func TestFailedSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	broken := &recorder{fail: errors.New("broken pipe")}
	healthy := &recorder{}
	b.Subscribe("s1", broken)
	defer b.Subscribe("s1", healthy)()

	b.Publish("s1", New(TypeAgentProgress, "s1", nil))
	b.Publish("s1", New(TypeAgentComplete, "s1", nil))

	if got := b.Subscribers("s1"); got != 1 {
		t.Fatalf("expected broken subscriber to be removed, %d remain", got)
	}
	if got := healthy.types(); len(got) != 2 || got[1] != TypeAgentComplete {
		t.Fatalf("healthy subscriber missed events: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	rec := &recorder{}
	unsubscribe := b.Subscribe("s1", rec)

	b.Publish("s1", New(TypeStepStarted, "s1", StepStarted{Step: 1}))
	unsubscribe()
	unsubscribe()
	b.Publish("s1", New(TypeStepStarted, "s1", StepStarted{Step: 2}))

	if got := rec.steps(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only the first event, got %v", got)
	}
}

func TestStalledSubscriberTimesOut(t *testing.T) {
	b := NewBroadcaster(WithWriteTimeout(20 * time.Millisecond))
	b.Open("s1")
	stalled := SubscriberFunc(func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b.Subscribe("s1", stalled)

	start := time.Now()
	b.Publish("s1", New(TypeAgentProgress, "s1", nil))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}
	if got := b.Subscribers("s1"); got != 0 {
		t.Fatalf("expected stalled subscriber to be dropped, %d remain", got)
	}
}

func TestBacklogFlushedToFirstSubscriber(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	b.Publish("s1", New(TypeSessionCreated, "s1", SessionCreated{Session: map[string]any{"userId": "u1"}}))

	first := &recorder{}
	defer b.Subscribe("s1", first)()
	b.Publish("s1", New(TypeStepStarted, "s1", StepStarted{Step: 1}))

	second := &recorder{}
	defer b.Subscribe("s1", second)()

	if got := first.types(); len(got) != 2 || got[0] != TypeSessionCreated || got[1] != TypeStepStarted {
		t.Fatalf("unexpected first subscriber events: %v", got)
	}
	if got := second.types(); len(got) != 0 {
		t.Fatalf("backlog must only be replayed once, got %v", got)
	}
}

func TestStalledSubscriberDoesNotDelayOthers(t *testing.T) {
	b := NewBroadcaster(WithWriteTimeout(time.Second))
	b.Open("s1")
	stalled := SubscriberFunc(func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	received := make(chan time.Time, 1)
	healthy := SubscriberFunc(func(_ context.Context, _ Event) error {
		received <- time.Now()
		return nil
	})
	b.Subscribe("s1", stalled)
	defer b.Subscribe("s1", healthy)()

	start := time.Now()
	go b.Publish("s1", New(TypeAgentProgress, "s1", Progress{SessionID: "s1", Progress: 0.5}))

	select {
	case at := <-received:
		if lag := at.Sub(start); lag > 200*time.Millisecond {
			t.Fatalf("healthy subscriber waited %v behind the stalled one", lag)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("healthy subscriber did not receive the event before the stalled write timed out")
	}
}

func TestPublishToUnknownSessionIsDiscarded(t *testing.T) {
	b := NewBroadcaster()
	b.Publish("ghost", New(TypeAgentProgress, "ghost", nil))

	rec := &recorder{}
	defer b.Subscribe("ghost", rec)()
	if got := rec.types(); len(got) != 0 {
		t.Fatalf("expected no replay for unregistered session, got %v", got)
	}
	if got := b.Subscribers("ghost"); got != 0 {
		t.Fatalf("subscribe must not register unknown sessions, got %d subscribers", got)
	}
}

func TestSubscribeAfterDropDoesNotRecreate(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	b.Drop("s1")

	rec := &recorder{}
	unsubscribe := b.Subscribe("s1", rec)
	b.Publish("s1", New(TypeAgentProgress, "s1", nil))
	unsubscribe()

	if got := b.Subscribers("s1"); got != 0 {
		t.Fatalf("dropped session was recreated with %d subscribers", got)
	}
	if got := rec.types(); len(got) != 0 {
		t.Fatalf("expected no delivery after drop, got %v", got)
	}
}

func TestDropRemovesSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Open("s1")
	rec := &recorder{}
	unsubscribe := b.Subscribe("s1", rec)
	b.Drop("s1")
	b.Publish("s1", New(TypeAgentProgress, "s1", nil))
	unsubscribe()

	if got := rec.types(); len(got) != 0 {
		t.Fatalf("expected no delivery after drop, got %v", got)
	}
}

func TestSSESubscriberFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sub, err := NewSSESubscriber(rec)
	if err != nil {
		t.Fatalf("NewSSESubscriber: %v", err)
	}
	ev := New(TypeStepCompleted, "s1", StepCompleted{Step: 1, Output: "4"})
	if err := sub.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub.Close()
	if err := sub.Send(context.Background(), ev); !errors.Is(err, ErrSubscriberClosed) {
		t.Fatalf("expected ErrSubscriberClosed after close, got %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: step:completed\ndata: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	data := strings.TrimSuffix(strings.TrimPrefix(body, "event: step:completed\ndata: "), "\n\n")
	var decoded struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Data      struct {
			Step   int    `json:"step"`
			Output string `json:"output"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if decoded.Type != "step:completed" || decoded.SessionID != "s1" || decoded.Data.Output != "4" {
		t.Fatalf("unexpected envelope %+v", decoded)
	}
}

func TestCatalogue(t *testing.T) {
	for _, typ := range []Type{
		TypeSessionCreated, TypeLLMStarted, TypeLLMStreaming, TypeLLMComplete,
		TypeStepStarted, TypeStepCompleted, TypeToolExecuting, TypeToolCompleted,
		TypeAgentProgress, TypeAgentComplete, TypeAgentError,
	} {
		if !typ.Known() {
			t.Fatalf("%s should be known", typ)
		}
	}
	if Type(fmt.Sprintf("custom:%d", 1)).Known() {
		t.Fatalf("custom types are not part of the catalogue")
	}
}

func TestPayloadWireKeys(t *testing.T) {
	cases := []struct {
		typ  Type
		data any
		keys []string
	}{
		{TypeSessionCreated, SessionCreated{Session: map[string]any{"id": "s1"}}, []string{"session"}},
		{TypeLLMStarted, LLMStarted{StepID: 1, Model: "echo"}, []string{"stepId", "model"}},
		{TypeLLMStreaming, LLMStreaming{Text: "4", Index: 0, IsFinal: true}, []string{"text", "index", "isFinal"}},
		{TypeLLMComplete, LLMComplete{StepID: 1, Response: "4"}, []string{"stepId", "response"}},
		{TypeStepStarted, StepStarted{Step: 1}, []string{"step"}},
		{TypeStepCompleted, StepCompleted{Step: 1}, []string{"step"}},
		{TypeToolExecuting, ToolExecuting{SessionID: "s1", ToolName: "subagent", Parameters: map[string]any{"goal": "x"}}, []string{"sessionId", "toolName", "parameters"}},
		{TypeToolCompleted, ToolCompleted{SessionID: "s1", ToolName: "subagent", Result: ToolResult{Status: "completed"}}, []string{"sessionId", "toolName", "result"}},
		{TypeAgentProgress, Progress{SessionID: "s1", Progress: 0.5}, []string{"sessionId", "progress"}},
		{TypeAgentComplete, Complete{SessionID: "s1", Result: map[string]any{"output": "4"}}, []string{"sessionId", "result"}},
		{TypeAgentError, Failure{SessionID: "s1", Error: ErrorInfo{Code: "TIMEOUT", Message: "slow"}}, []string{"sessionId", "error"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			raw, err := json.Marshal(New(tc.typ, "s1", tc.data))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var envelope struct {
				Type string                     `json:"type"`
				Data map[string]json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if envelope.Type != string(tc.typ) {
				t.Fatalf("unexpected type %q", envelope.Type)
			}
			for _, key := range tc.keys {
				if _, ok := envelope.Data[key]; !ok {
					t.Fatalf("%s payload missing %q: %s", tc.typ, key, raw)
				}
			}
		})
	}
}
