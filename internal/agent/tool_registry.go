package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/semih2482/cortex/pkg/pluginsdk"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	MaxToolNameLength   = 256
	MaxToolParamsSize   = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup, plus a quarantine set for tools awaiting human approval before a
// newly-created tool (spec §4.6/§4.7) can be dispatched.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	quarantine map[string]bool

	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		quarantine: make(map[string]bool),
		logger:     logger,
	}
}

// Register adds a tool to the registry by its name. If a tool with the same
// name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// RegisterQuarantined adds a freshly-synthesised tool (ToolCreator output)
// in a quarantined state: it is visible to AsLLMTools (so the controller
// can surface an approval prompt) but Execute refuses to run it until
// Approve is called (spec §4.7).
func (r *ToolRegistry) RegisterQuarantined(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.quarantine[tool.Name()] = true
}

// Approve releases a tool from quarantine.
func (r *ToolRegistry) Approve(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.quarantine, name)
}

// IsQuarantined reports whether name is currently quarantined.
func (r *ToolRegistry) IsQuarantined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quarantine[name]
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.quarantine, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs a tool by name with the given JSON parameters. A quarantined
// tool refuses to execute until approved.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	quarantined := r.quarantine[name]
	r.mu.RUnlock()

	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}
	if quarantined {
		return &ToolResult{Content: fmt.Sprintf("tool %q is quarantined pending approval", name), IsError: true}, nil
	}

	// Reuse the plugin SDK's JSON-Schema config validator (spec §4.6): a
	// malformed tool call is rejected before it ever reaches Execute.
	manifest := &pluginsdk.Manifest{ID: name, ConfigSchema: tool.Schema()}
	if len(manifest.ConfigSchema) > 0 {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return &ToolResult{Content: fmt.Sprintf("tool %q: invalid JSON params: %v", name, err), IsError: true}, nil
		}
		if err := manifest.ValidateConfig(decoded); err != nil {
			return &ToolResult{Content: fmt.Sprintf("tool %q: params do not match schema: %v", name, err), IsError: true}, nil
		}
	}

	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Names returns the registered tool names, for the Planner's tool catalogue.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// WatchDirs starts an fsnotify watch on each directory; any write or create
// event invokes reload, which re-registers discoverable tools (spec §4.6's
// reload-on-change, in addition to the explicit `/reload` CLI command).
func (r *ToolRegistry) WatchDirs(dirs []string, reload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tool registry: create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			r.logger.Warn("tool registry: cannot watch directory", "dir", dir, "error", err)
		}
	}
	r.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 && strings.HasSuffix(event.Name, ".go") {
					r.logger.Info("tool registry: reloading after filesystem change", "path", event.Name)
					reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("tool registry: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher, if any.
func (r *ToolRegistry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}
