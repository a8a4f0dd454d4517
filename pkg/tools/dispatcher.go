// Package tools routes model tool calls to their executors: local
// functions, IoT device commands relayed to the client, and remote MCP
// tools. Calls are schema-validated, time-bounded, and cancellable
// with the response they belong to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/voxloop/voxloop/pkg/gen"
)

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 15 * time.Second

// InvokeFunc executes one tool call. The returned value is marshalled
// to JSON for the tool turn.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Invoke      InvokeFunc

	resolved *jsonschema.Resolved
}

// Dispatcher is the tool registry for one session. Registration
// replaces silently; IoT descriptors re-register on every update.
type Dispatcher struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher with the default call timeout.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		tools:   make(map[string]*Tool),
		timeout: DefaultCallTimeout,
	}
}

// SetTimeout overrides the per-call bound.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// Register adds or replaces a tool.
func (d *Dispatcher) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register: empty name")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tools: register %s: nil invoke", t.Name)
	}
	if t.Schema != nil {
		resolved, err := t.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tools: register %s: resolve schema: %w", t.Name, err)
		}
		t.resolved = resolved
	}
	d.mu.Lock()
	d.tools[t.Name] = t
	d.mu.Unlock()
	return nil
}

// Remove deletes a tool by name.
func (d *Dispatcher) Remove(name string) {
	d.mu.Lock()
	delete(d.tools, name)
	d.mu.Unlock()
}

// Defs returns the tool declarations to offer the model, sorted by
// name for stable prompts.
func (d *Dispatcher) Defs() []gen.ToolDef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]gen.ToolDef, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, gen.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch executes one proposed call and returns the JSON result.
// Malformed argument JSON is repaired before validation; models
// produce trailing commas and unquoted keys often enough that
// rejecting outright loses usable calls.
func (d *Dispatcher) Dispatch(ctx context.Context, call gen.ToolCall) (string, error) {
	d.mu.RLock()
	t, ok := d.tools[call.Name]
	timeout := d.timeout
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", call.Name)
	}

	args, err := normalizeArgs(call.Arguments)
	if err != nil {
		return "", fmt.Errorf("tools: %s: bad arguments: %w", call.Name, err)
	}
	if t.resolved != nil {
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			return "", fmt.Errorf("tools: %s: bad arguments: %w", call.Name, err)
		}
		if err := t.resolved.Validate(v); err != nil {
			return "", fmt.Errorf("tools: %s: arguments: %w", call.Name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := t.Invoke(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", call.Name, err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("tools: %s: marshal result: %w", call.Name, err)
	}
	return string(out), nil
}

// normalizeArgs turns the model's argument string into valid JSON,
// repairing it if needed. Empty arguments become an empty object.
func normalizeArgs(raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage("{}"), nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fixed), nil
}
