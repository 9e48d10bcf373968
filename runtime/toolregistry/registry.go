// Package toolregistry indexes the tools advertised by connected servers,
// tracks per-tool usage statistics and validates call arguments against the
// server-declared input schemas.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/toolhost/runtime/telemetry"
)

// ErrToolNotFound is returned when a key has no registered tool.
var ErrToolNotFound = errors.New("tool not found")

type (
	// Definition describes one tool as advertised by its server.
	Definition struct {
		ServerID    string
		Name        string
		Description string
		// InputSchema is the JSON Schema for the tool's arguments. Empty
		// means the tool accepts anything.
		InputSchema json.RawMessage
	}

	// Tool is a registry entry snapshot including usage statistics.
	Tool struct {
		Definition
		// Key is ServerID + "/" + Name.
		Key          string
		RegisteredAt time.Time
		UsageCount   int64
		LastUsed     time.Time
		// AverageExecutionTime is a running two-sample mean: each update
		// averages the previous value with the newest sample, weighting
		// recent executions heavily.
		AverageExecutionTime time.Duration
	}

	entry struct {
		def          Definition
		registeredAt time.Time
		usageCount   int64
		lastUsed     time.Time
		avgSet       bool
		avg          time.Duration
		// schema is nil when the tool declared no schema or the schema
		// failed to compile.
		schema *jsonschema.Schema
	}

	// Registry is safe for concurrent use.
	Registry struct {
		logger telemetry.Logger

		mu    sync.RWMutex
		tools map[string]*entry
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

// Key builds the registry key for a tool.
func Key(serverID, name string) string { return serverID + "/" + name }

// WithLogger sets the logger. Defaults to noop.
func WithLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// New constructs an empty registry.
func New(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: telemetry.NewNoopLogger(),
		tools:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool definition. Re-registering an existing
// key preserves its usage statistics.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	if def.ServerID == "" || def.Name == "" {
		return fmt.Errorf("tool definition requires server id and name")
	}
	key := Key(def.ServerID, def.Name)
	schema := r.compileSchema(ctx, key, def.InputSchema)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[key]
	if !ok {
		e = &entry{registeredAt: time.Now()}
		r.tools[key] = e
	}
	e.def = def
	e.schema = schema
	return nil
}

// Get returns the tool registered under key.
func (r *Registry) Get(key string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[key]
	if !ok {
		return Tool{}, false
	}
	return e.snapshot(key), true
}

// All returns every registered tool sorted by key.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for key, e := range r.tools {
		out = append(out, e.snapshot(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ForServer returns the tools registered by one server, sorted by key.
func (r *Registry) ForServer(serverID string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for key, e := range r.tools {
		if e.def.ServerID == serverID {
			out = append(out, e.snapshot(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RemoveServer deletes every tool registered by the server and returns how
// many were removed.
func (r *Registry) RemoveServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, e := range r.tools {
		if e.def.ServerID == serverID {
			delete(r.tools, key)
			n++
		}
	}
	return n
}

// ReplaceServer atomically swaps a server's tools for a new set. No reader
// observes the intermediate empty state, and statistics carry over for
// tools present in both the old and new sets.
func (r *Registry) ReplaceServer(ctx context.Context, serverID string, defs []Definition) error {
	type compiled struct {
		def    Definition
		schema *jsonschema.Schema
	}
	fresh := make([]compiled, 0, len(defs))
	for _, def := range defs {
		if def.ServerID != serverID {
			return fmt.Errorf("tool %s: server id %q does not match %q", def.Name, def.ServerID, serverID)
		}
		key := Key(def.ServerID, def.Name)
		fresh = append(fresh, compiled{def: def, schema: r.compileSchema(ctx, key, def.InputSchema)})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := make(map[string]*entry)
	for key, e := range r.tools {
		if e.def.ServerID == serverID {
			old[key] = e
			delete(r.tools, key)
		}
	}
	for _, c := range fresh {
		key := Key(c.def.ServerID, c.def.Name)
		e := &entry{registeredAt: time.Now()}
		if prev, ok := old[key]; ok {
			e.registeredAt = prev.registeredAt
			e.usageCount = prev.usageCount
			e.lastUsed = prev.lastUsed
			e.avgSet = prev.avgSet
			e.avg = prev.avg
		}
		e.def = c.def
		e.schema = c.schema
		r.tools[key] = e
	}
	return nil
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*entry)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// CountForServer returns the number of tools registered by one server.
func (r *Registry) CountForServer(serverID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tools {
		if e.def.ServerID == serverID {
			n++
		}
	}
	return n
}

// UpdateUsage records one execution of the tool: the usage count
// increments, last-used moves to now, and the average execution time is
// folded in as the mean of the previous average and the new sample.
func (r *Registry) UpdateUsage(key string, execTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, key)
	}
	e.usageCount++
	e.lastUsed = time.Now()
	if !e.avgSet {
		e.avg = execTime
		e.avgSet = true
	} else {
		e.avg = (e.avg + execTime) / 2
	}
	return nil
}

// ValidateArguments checks call arguments against the tool's input schema.
// Tools without a usable schema accept any arguments.
func (r *Registry) ValidateArguments(key string, arguments json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[key]
	var schema *jsonschema.Schema
	if ok {
		schema = e.schema
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, key)
	}
	if schema == nil {
		return nil
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(arguments, &payload); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", key, err)
	}
	return nil
}

// compileSchema compiles a tool's input schema. A schema that does not
// compile disables validation for that tool rather than failing
// registration; servers remain usable with malformed metadata.
func (r *Registry) compileSchema(ctx context.Context, key string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.logger.Warn(ctx, "tool schema is not valid JSON, validation disabled", "tool", key, "err", err)
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		r.logger.Warn(ctx, "tool schema rejected, validation disabled", "tool", key, "err", err)
		return nil
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		r.logger.Warn(ctx, "tool schema failed to compile, validation disabled", "tool", key, "err", err)
		return nil
	}
	return schema
}

func (e *entry) snapshot(key string) Tool {
	t := Tool{
		Definition:   e.def,
		Key:          key,
		RegisteredAt: e.registeredAt,
		UsageCount:   e.usageCount,
		LastUsed:     e.lastUsed,
	}
	if e.avgSet {
		t.AverageExecutionTime = e.avg
	}
	return t
}
