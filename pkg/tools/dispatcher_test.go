package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/voxloop/voxloop/pkg/gen"
)

func weatherTool(t *testing.T, got *string) *Tool {
	t.Helper()
	return &Tool{
		Name:        "get_weather",
		Description: "Look up the weather for a city.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"city": {Type: "string"},
			},
			Required: []string{"city"},
		},
		Invoke: func(_ context.Context, args json.RawMessage) (any, error) {
			var a struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			*got = a.City
			return map[string]any{"temp_c": 21}, nil
		},
	}
}

func TestDispatch(t *testing.T) {
	d := NewDispatcher()
	var city string
	if err := d.Register(weatherTool(t, &city)); err != nil {
		t.Fatal(err)
	}

	res, err := d.Dispatch(context.Background(), gen.ToolCall{
		ID: "call_1", Name: "get_weather", Arguments: `{"city":"Tokyo"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if city != "Tokyo" {
		t.Errorf("invoked city = %q, want Tokyo", city)
	}
	if !strings.Contains(res, `"temp_c":21`) {
		t.Errorf("result = %s", res)
	}
}

func TestDispatchRepairsMalformedJSON(t *testing.T) {
	d := NewDispatcher()
	var city string
	if err := d.Register(weatherTool(t, &city)); err != nil {
		t.Fatal(err)
	}

	// Trailing comma and single quotes, as models emit.
	_, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "get_weather", Arguments: `{'city': 'Paris',}`,
	})
	if err != nil {
		t.Fatalf("Dispatch with repairable args: %v", err)
	}
	if city != "Paris" {
		t.Errorf("invoked city = %q, want Paris", city)
	}
}

func TestDispatchRejectsSchemaViolations(t *testing.T) {
	d := NewDispatcher()
	var city string
	if err := d.Register(weatherTool(t, &city)); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "get_weather", Arguments: `{"town":"Tokyo"}`,
	}); err == nil {
		t.Error("Dispatch without required city = nil error, want validation error")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher()
	if _, err := d.Dispatch(context.Background(), gen.ToolCall{Name: "nope"}); err == nil {
		t.Error("Dispatch(unknown) = nil error, want error")
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := NewDispatcher()
	d.SetTimeout(20 * time.Millisecond)
	err := d.Register(&Tool{
		Name: "slow",
		Invoke: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := d.Dispatch(context.Background(), gen.ToolCall{Name: "slow"}); err == nil {
		t.Fatal("Dispatch(slow) = nil error, want timeout")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced promptly")
	}
}

func TestDefsSorted(t *testing.T) {
	d := NewDispatcher()
	for _, name := range []string{"zeta", "alpha"} {
		d.Register(&Tool{
			Name:   name,
			Invoke: func(context.Context, json.RawMessage) (any, error) { return nil, nil },
		})
	}
	defs := d.Defs()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("Defs() = %+v, want sorted by name", defs)
	}
}
