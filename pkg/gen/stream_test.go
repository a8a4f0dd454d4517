package gen

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamBuilderDeliversChunksThenDone(t *testing.T) {
	b := NewStreamBuilder(8)
	go func() {
		b.Add(&Chunk{Text: "Hello"}, &Chunk{Text: ", world"})
		b.Done(Usage{PromptTokenCount: 10, GeneratedTokenCount: 3})
	}()

	s := b.Stream()
	var got string
	for {
		c, err := s.Next()
		if err != nil {
			if !errors.Is(err, ErrDone) {
				t.Fatalf("terminal error = %v, want ErrDone", err)
			}
			var st *State
			if !errors.As(err, &st) {
				t.Fatal("terminal error is not a *State")
			}
			if st.Status() != StatusDone {
				t.Errorf("status = %v, want StatusDone", st.Status())
			}
			if st.Usage().GeneratedTokenCount != 3 {
				t.Errorf("usage = %+v", st.Usage())
			}
			break
		}
		got += c.Text
	}
	if got != "Hello, world" {
		t.Errorf("text = %q, want %q", got, "Hello, world")
	}
}

func TestStreamBuilderToolCall(t *testing.T) {
	b := NewStreamBuilder(8)
	go func() {
		b.Add(&Chunk{ToolCall: &ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Tokyo"}`}})
		b.Done(Usage{})
	}()

	s := b.Stream()
	c, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if c.ToolCall == nil || c.ToolCall.Name != "get_weather" {
		t.Errorf("chunk = %+v, want tool call", c)
	}
}

func TestStreamBuilderBlocked(t *testing.T) {
	b := NewStreamBuilder(8)
	b.Blocked(Usage{}, "safety")

	_, err := b.Stream().Next()
	var st *State
	if !errors.As(err, &st) || st.Status() != StatusBlocked {
		t.Fatalf("err = %v, want blocked State", err)
	}
	if errors.Is(err, ErrDone) {
		t.Error("blocked terminal should not match ErrDone")
	}
}

func TestStreamBuilderAbortUnblocksReader(t *testing.T) {
	b := NewStreamBuilder(8)
	s := b.Stream()

	boom := errors.New("upstream reset")
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Abort(boom)
	}()

	if _, err := s.Next(); !errors.Is(err, boom) {
		t.Fatalf("Next = %v, want %v", err, boom)
	}
}

func TestGuardFirstTokenTimeout(t *testing.T) {
	b := NewStreamBuilder(8)
	g := Guard(b.Stream(), 20*time.Millisecond, time.Second)

	start := time.Now()
	_, err := g.Next()
	if !errors.Is(err, ErrFirstTokenTimeout) {
		t.Fatalf("Next = %v, want ErrFirstTokenTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestGuardTotalTimeout(t *testing.T) {
	b := NewStreamBuilder(8)
	g := Guard(b.Stream(), time.Second, 30*time.Millisecond)

	b.Add(&Chunk{Text: "first"})
	if _, err := g.Next(); err != nil {
		t.Fatal(err)
	}
	// Producer stalls; the total deadline fires.
	if _, err := g.Next(); !errors.Is(err, ErrTotalTimeout) {
		t.Fatalf("Next = %v, want ErrTotalTimeout", err)
	}
}

func TestGuardPassesCompletion(t *testing.T) {
	b := NewStreamBuilder(8)
	g := Guard(b.Stream(), time.Second, time.Second)

	b.Add(&Chunk{Text: "ok"})
	b.Done(Usage{})

	if c, err := g.Next(); err != nil || c.Text != "ok" {
		t.Fatalf("Next = %v, %v", c, err)
	}
	if _, err := g.Next(); !errors.Is(err, ErrDone) {
		t.Fatalf("Next = %v, want ErrDone", err)
	}
}

func TestMuxRoutesByModel(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("openai/#", func(_ context.Context, req *Request) (Stream, error) {
		b := NewStreamBuilder(1)
		b.Done(Usage{})
		return b.Stream(), nil
	})

	s, err := mux.Stream(context.Background(), &Request{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{UserMessage("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrDone) {
		t.Fatalf("Next = %v, want ErrDone", err)
	}

	if _, err := mux.Stream(context.Background(), &Request{Model: "other/model"}); err == nil {
		t.Error("Stream(unregistered) = nil error, want error")
	}
}

func TestMessageHelpers(t *testing.T) {
	m := ToolResultMessage("call_7", `{"ok":true}`)
	if m.Role != RoleTool || m.ToolCallID != "call_7" {
		t.Errorf("ToolResultMessage = %+v", m)
	}
	tc := ToolCallMessage(ToolCall{ID: "call_7", Name: "f"})
	if tc.Role != RoleAssistant || len(tc.ToolCalls) != 1 {
		t.Errorf("ToolCallMessage = %+v", tc)
	}
}
