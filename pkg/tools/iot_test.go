package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/voxloop/voxloop/pkg/gen"
)

const lampDescriptors = `[{
	"name": "lamp",
	"description": "Living room lamp",
	"properties": {"power": {"type": "boolean"}},
	"methods": {
		"turn_on": {"description": "Turn the lamp on"},
		"set_brightness": {
			"description": "Set brightness",
			"parameters": {
				"level": {"type": "integer", "description": "0-100", "required": true}
			}
		}
	}
}]`

func newTestIoT(t *testing.T, sent *[]Command) (*Dispatcher, *IoT) {
	t.Helper()
	d := NewDispatcher()
	m, err := NewIoT(d, func(_ context.Context, cmds []Command) error {
		*sent = append(*sent, cmds...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateDescriptors(json.RawMessage(lampDescriptors)); err != nil {
		t.Fatal(err)
	}
	return d, m
}

func TestIoTDescriptorsBecomeTools(t *testing.T) {
	var sent []Command
	d, _ := newTestIoT(t, &sent)

	names := map[string]bool{}
	for _, def := range d.Defs() {
		names[def.Name] = true
	}
	for _, want := range []string{"lamp_turn_on", "lamp_set_brightness", "get_device_state"} {
		if !names[want] {
			t.Errorf("tool %q not registered; have %v", want, names)
		}
	}
}

func TestIoTMethodCallSendsCommand(t *testing.T) {
	var sent []Command
	d, _ := newTestIoT(t, &sent)

	res, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "lamp_set_brightness", Arguments: `{"level": 70}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != `{"status":"ok"}` {
		t.Errorf("result = %s", res)
	}
	if len(sent) != 1 {
		t.Fatalf("sent commands = %d, want 1", len(sent))
	}
	cmd := sent[0]
	if cmd.Name != "lamp" || cmd.Method != "set_brightness" {
		t.Errorf("command = %+v", cmd)
	}
	if lvl, ok := cmd.Parameters["level"].(float64); !ok || lvl != 70 {
		t.Errorf("parameters = %v", cmd.Parameters)
	}
}

func TestIoTMethodCallRequiresArgs(t *testing.T) {
	var sent []Command
	d, _ := newTestIoT(t, &sent)

	if _, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "lamp_set_brightness", Arguments: `{}`,
	}); err == nil {
		t.Error("missing required level accepted")
	}
}

func TestIoTStateQuery(t *testing.T) {
	var sent []Command
	d, m := newTestIoT(t, &sent)

	err := m.UpdateStates(json.RawMessage(`[{"name":"lamp","state":{"power":true,"brightness":40}}]`))
	if err != nil {
		t.Fatal(err)
	}

	res, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "get_device_state", Arguments: `{"device":"lamp"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(res), &state); err != nil {
		t.Fatal(err)
	}
	if state["power"] != true {
		t.Errorf("state = %v", state)
	}

	res, err = d.Dispatch(context.Background(), gen.ToolCall{
		Name: "get_device_state", Arguments: `{"device":"lamp","query":".brightness"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != "40" {
		t.Errorf("jq result = %s, want 40", res)
	}
}

func TestIoTStateQueryUnknownDevice(t *testing.T) {
	var sent []Command
	d, _ := newTestIoT(t, &sent)

	if _, err := d.Dispatch(context.Background(), gen.ToolCall{
		Name: "get_device_state", Arguments: `{"device":"toaster"}`,
	}); err == nil {
		t.Error("query for unreported device = nil error, want error")
	}
}

func TestIoTRedeclareReplacesTools(t *testing.T) {
	var sent []Command
	d, m := newTestIoT(t, &sent)

	// New descriptor set for lamp drops set_brightness.
	err := m.UpdateDescriptors(json.RawMessage(`[{
		"name": "lamp",
		"methods": {"turn_off": {"description": "Turn the lamp off"}}
	}]`))
	if err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, def := range d.Defs() {
		names[def.Name] = true
	}
	if names["lamp_set_brightness"] {
		t.Error("stale tool lamp_set_brightness still registered")
	}
	if !names["lamp_turn_off"] {
		t.Error("lamp_turn_off not registered")
	}
}
