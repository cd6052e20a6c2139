// Package tools defines the tool capability surface: a registry of
// named tools with declared parameter schemas and capability classes,
// plus the streaming parser for inline tool directives.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// Capability classifies what a tool is allowed to touch. The
// supervisor validates the class against the calling task's autonomy
// level before invocation.
type Capability string

const (
	CapabilityFSRead    Capability = "fs_read"
	CapabilityFSWrite   Capability = "fs_write"
	CapabilityShellExec Capability = "shell_exec"
	CapabilityNetHTTP   Capability = "net_http"
)

// MaxAutonomyFor returns the highest autonomy level at which a
// capability class may run without the gate having granted approval.
func MaxAutonomyFor(c Capability) protocol.AutonomyLevel {
	switch c {
	case CapabilityFSRead:
		return protocol.L0Autonomous
	case CapabilityNetHTTP:
		return protocol.L1Notify
	case CapabilityFSWrite:
		return protocol.L2Approve
	case CapabilityShellExec:
		return protocol.L2Approve
	}
	return protocol.L3HumanOnly
}

// Spec describes one registered tool.
type Spec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Capability  Capability         `json:"capability"`
	Schema      *jsonschema.Schema `json:"schema,omitempty"`
}

// Tool executes with string arguments extracted from a directive or a
// structured worker call.
type Tool interface {
	Spec() Spec
	Invoke(ctx context.Context, args map[string]string) (string, error)
}

// Registry is the tool capability the supervisor consumes.
type Registry interface {
	List() []Spec
	Get(name string) (Tool, bool)
	Invoke(ctx context.Context, name string, args map[string]string) (string, error)
}

// LocalRegistry is an in-process Registry.
type LocalRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewLocalRegistry builds an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *LocalRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec().Name] = t
}

// List returns specs sorted by name.
func (r *LocalRegistry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a tool by name.
func (r *LocalRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke dispatches one call, failing with not_found for unknown
// tools.
func (r *LocalRegistry) Invoke(ctx context.Context, name string, args map[string]string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", protocol.NewError(protocol.KindNotFound, "unknown tool %q", name)
	}
	return t.Invoke(ctx, args)
}

// ReflectSchema derives a tool's parameter schema from a Go struct
// using jsonschema tags.
func ReflectSchema(v any) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	return reflector.Reflect(v)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolSpec Spec
	Fn       func(ctx context.Context, args map[string]string) (string, error)
}

func (f *Func) Spec() Spec { return f.ToolSpec }

func (f *Func) Invoke(ctx context.Context, args map[string]string) (string, error) {
	return f.Fn(ctx, args)
}
