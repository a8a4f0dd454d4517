package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/itchyny/gojq"
)

// DeviceDescriptor describes one client-side device: its readable
// properties and callable methods.
type DeviceDescriptor struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Properties  map[string]PropertyDesc     `json:"properties,omitempty"`
	Methods     map[string]MethodDescriptor `json:"methods,omitempty"`
}

// PropertyDesc describes a readable device property.
type PropertyDesc struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// MethodDescriptor describes a callable device method.
type MethodDescriptor struct {
	Description string                   `json:"description,omitempty"`
	Parameters  map[string]ParameterDesc `json:"parameters,omitempty"`
}

// ParameterDesc describes one method parameter.
type ParameterDesc struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Command is one device actuation relayed to the client.
type Command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DeviceState is the reported state of one device.
type DeviceState struct {
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// SendCommands delivers device commands back to the client.
type SendCommands func(ctx context.Context, commands []Command) error

// IoT turns client device descriptors into dispatcher tools and caches
// reported device state for the model to query.
type IoT struct {
	disp *Dispatcher
	send SendCommands

	mu      sync.RWMutex
	devices map[string]*DeviceDescriptor
	states  map[string]json.RawMessage
	tools   map[string][]string // device -> registered tool names
}

// NewIoT wires an IoT manager into the dispatcher and registers the
// built-in state query tool.
func NewIoT(disp *Dispatcher, send SendCommands) (*IoT, error) {
	m := &IoT{
		disp:    disp,
		send:    send,
		devices: make(map[string]*DeviceDescriptor),
		states:  make(map[string]json.RawMessage),
		tools:   make(map[string][]string),
	}
	if err := disp.Register(m.queryTool()); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateDescriptors replaces the descriptor set from an inbound iot
// message and re-registers the derived tools.
func (m *IoT) UpdateDescriptors(raw json.RawMessage) error {
	var descs []*DeviceDescriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return fmt.Errorf("tools: iot descriptors: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, desc := range descs {
		if desc.Name == "" {
			continue
		}
		// Drop tools of a previous descriptor for this device.
		for _, name := range m.tools[desc.Name] {
			m.disp.Remove(name)
		}
		m.tools[desc.Name] = nil
		m.devices[desc.Name] = desc

		for method, md := range desc.Methods {
			t := m.methodTool(desc, method, md)
			if err := m.disp.Register(t); err != nil {
				return err
			}
			m.tools[desc.Name] = append(m.tools[desc.Name], t.Name)
		}
	}
	return nil
}

// UpdateStates caches reported device states.
func (m *IoT) UpdateStates(raw json.RawMessage) error {
	var states []DeviceState
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("tools: iot states: %w", err)
	}
	m.mu.Lock()
	for _, st := range states {
		if st.Name != "" {
			m.states[st.Name] = st.State
		}
	}
	m.mu.Unlock()
	return nil
}

// methodTool builds the dispatcher tool for one device method.
func (m *IoT) methodTool(desc *DeviceDescriptor, method string, md MethodDescriptor) *Tool {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
	for pname, pd := range md.Parameters {
		schema.Properties[pname] = &jsonschema.Schema{
			Type:        jsonType(pd.Type),
			Description: pd.Description,
		}
		if pd.Required {
			schema.Required = append(schema.Required, pname)
		}
	}

	device := desc.Name
	return &Tool{
		Name:        toolName(device, method),
		Description: fmt.Sprintf("%s: %s", desc.Description, md.Description),
		Schema:      schema,
		Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
			var params map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
			}
			cmd := Command{Name: device, Method: method, Parameters: params}
			if err := m.send(ctx, []Command{cmd}); err != nil {
				return nil, err
			}
			slog.Debug("iot: command sent", "device", device, "method", method)
			return map[string]any{"status": "ok"}, nil
		},
	}
}

// queryTool is the built-in tool reading the cached device state,
// optionally through a jq filter.
func (m *IoT) queryTool() *Tool {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"device": {Type: "string", Description: "Device name to read"},
			"query":  {Type: "string", Description: "Optional jq filter applied to the device state"},
		},
		Required: []string{"device"},
	}
	return &Tool{
		Name:        "get_device_state",
		Description: "Read the current state of a device, optionally filtered with a jq expression.",
		Schema:      schema,
		Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
			var q struct {
				Device string `json:"device"`
				Query  string `json:"query"`
			}
			if err := json.Unmarshal(args, &q); err != nil {
				return nil, err
			}

			m.mu.RLock()
			raw, ok := m.states[q.Device]
			m.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("no state reported for device %q", q.Device)
			}

			var state any
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("stored state for %q is invalid: %w", q.Device, err)
			}
			if q.Query == "" {
				return state, nil
			}
			return runJQ(ctx, q.Query, state)
		},
	}
}

// runJQ evaluates one jq filter and collects its outputs.
func runJQ(ctx context.Context, expr string, input any) (any, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("bad jq query: %w", err)
	}
	var out []any
	iter := q.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, v)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// toolName derives a model-safe tool name from device and method.
func toolName(device, method string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(device) + "_" + clean(method)
}

func jsonType(t string) string {
	switch strings.ToLower(t) {
	case "number", "float":
		return "number"
	case "integer", "int":
		return "integer"
	case "boolean", "bool":
		return "boolean"
	case "object":
		return "object"
	case "array":
		return "array"
	default:
		return "string"
	}
}
