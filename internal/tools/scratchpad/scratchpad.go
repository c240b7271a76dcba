// Package scratchpad implements the working-memory tool the Planner
// substitutes `{{working_memory.get('key')}}` placeholders against
// (original_source/agent/planner/planner.py), shaped like the teacher's
// facts.ExtractTool (Name/Description/Schema/Execute) and exposing a
// planner.Scratchpad-compatible Get method so it can be wired directly into
// Planner.Execute.
package scratchpad

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/semih2482/cortex/internal/agent"
)

// Store is a process-lifetime key/value scratchpad shared by the step loop
// and the Planner.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New creates an empty scratchpad.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Get satisfies planner.Scratchpad.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value under key, overwriting any existing entry.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Keys returns every stored key, useful for debugging/introspection.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Tool exposes Store as an agent.Tool with "get"/"set" actions.
type Tool struct {
	store *Store
}

// NewTool wraps store as an agent.Tool.
func NewTool(store *Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Name() string { return "scratchpad" }

func (t *Tool) Description() string {
	return "Reads or writes a value in working memory, for passing data between non-adjacent plan steps."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["get", "set"]},
    "key": {"type": "string"},
    "value": {"type": "string", "description": "Required when action is \"set\""}
  },
  "required": ["action", "key"]
}`)
}

func (t *Tool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action string `json:"action"`
		Key    string `json:"key"`
		Value  string `json:"value"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if input.Key == "" {
		return &agent.ToolResult{Content: "key is required", IsError: true}, nil
	}

	switch input.Action {
	case "set":
		t.store.Set(input.Key, input.Value)
		return &agent.ToolResult{Content: fmt.Sprintf("stored %q", input.Key)}, nil
	case "get":
		v, ok := t.store.Get(input.Key)
		if !ok {
			return &agent.ToolResult{Content: fmt.Sprintf("no value stored for %q", input.Key), IsError: true}, nil
		}
		return &agent.ToolResult{Content: v}, nil
	default:
		return &agent.ToolResult{Content: fmt.Sprintf("unknown action %q, expected get or set", input.Action), IsError: true}, nil
	}
}
