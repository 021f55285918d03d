// Package tools provides the in-process tool registry consumed by the
// pipeline's tool coordinator.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Tool is an executable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the parameters. Empty accepts any object.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

// WithChannels restricts a tool to the given channels. Without it the tool
// is offered everywhere.
func WithChannels(channels ...models.ChannelType) RegisterOption {
	return func(r *registration) {
		if len(channels) == 0 {
			return
		}
		r.channels = make(map[models.ChannelType]struct{}, len(channels))
		for _, ch := range channels {
			r.channels[ch] = struct{}{}
		}
	}
}

type registration struct {
	tool     Tool
	schema   *jsonschema.Schema
	channels map[models.ChannelType]struct{}
}

func (r *registration) offeredOn(channel models.ChannelType) bool {
	if r.channels == nil {
		return true
	}
	_, ok := r.channels[channel]
	return ok
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registration)}
}

// Register adds a tool, compiling its parameter schema. A tool with the same
// name is replaced.
func (r *Registry) Register(tool Tool, opts ...RegisterOption) error {
	if tool == nil {
		return errors.New("tool is nil")
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return errors.New("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	reg := &registration{tool: tool}
	if raw := tool.Schema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for tool %q: %w", name, err)
		}
		reg.schema = schema
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = reg
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// ListAvailable returns the tools offered on channel, sorted by name.
func (r *Registry) ListAvailable(ctx context.Context, channel models.ChannelType) ([]agent.ToolDefinition, error) {
	r.mu.RLock()
	defs := make([]agent.ToolDefinition, 0, len(r.tools))
	for name, reg := range r.tools {
		if !reg.offeredOn(channel) {
			continue
		}
		defs = append(defs, agent.ToolDefinition{
			Name:        name,
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Execute validates params against the tool's schema and runs it. The
// execution context is available to the tool through ExecContextFrom.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage, execCtx agent.ToolExecContext) (string, error) {
	if len(name) > MaxToolNameLength {
		return "", agent.NewToolError(truncateName(name), fmt.Errorf("%w: tool name exceeds maximum length of %d characters", agent.ErrToolNotFound, MaxToolNameLength))
	}
	if len(params) > MaxToolParamsSize {
		return "", agent.NewToolError(name, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)).
			WithFailure(agent.ToolFailureInvalid)
	}

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", agent.NewToolError(name, agent.ErrToolNotFound)
	}
	if !reg.offeredOn(execCtx.Channel) {
		return "", agent.NewToolError(name, fmt.Errorf("%w on channel %q", agent.ErrToolNotAllowed, execCtx.Channel))
	}
	if err := reg.validate(params); err != nil {
		return "", agent.NewToolError(name, err).WithFailure(agent.ToolFailureInvalid)
	}

	return reg.tool.Execute(withExecContext(ctx, execCtx), params)
}

func (r *registration) validate(params json.RawMessage) error {
	if r.schema == nil {
		return nil
	}
	var decoded any = map[string]any{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return fmt.Errorf("decode parameters: %w", err)
		}
	}
	if err := r.schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func truncateName(name string) string {
	if len(name) <= 32 {
		return name
	}
	return name[:32] + "..."
}

type execContextKey struct{}

func withExecContext(ctx context.Context, execCtx agent.ToolExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFrom returns the execution context of the running tool call.
func ExecContextFrom(ctx context.Context) (agent.ToolExecContext, bool) {
	execCtx, ok := ctx.Value(execContextKey{}).(agent.ToolExecContext)
	return execCtx, ok
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage) (string, error)
}

func (f *Func) Name() string            { return f.ToolName }
func (f *Func) Description() string     { return f.ToolDescription }
func (f *Func) Schema() json.RawMessage { return f.ToolSchema }

func (f *Func) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if f.Fn == nil {
		return "", fmt.Errorf("tool %q has no implementation", f.ToolName)
	}
	return f.Fn(ctx, params)
}
