// Package reviewapprove implements the tool the hard-break rule (spec
// §4.11) dispatches directly when the step loop's stuck-counter trips: it
// surfaces the quarantined tool (or stuck plan) for human review and, on
// approval, releases it from quarantine via the same vocabulary the
// teacher's tool_registry.go already uses (Approve/IsQuarantined).
package reviewapprove

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/semih2482/cortex/internal/agent"
)

// Registry is the subset of agent.ToolRegistry this tool needs.
type Registry interface {
	IsQuarantined(name string) bool
	Approve(name string)
	Unregister(name string)
}

// Tool surfaces a quarantined tool name for human approval or rejection.
type Tool struct {
	registry Registry
}

// New wraps registry as an agent.Tool.
func New(registry Registry) *Tool {
	return &Tool{registry: registry}
}

func (t *Tool) Name() string { return "review_and_approve" }

func (t *Tool) Description() string {
	return "Reviews a quarantined tool and either approves it for use or rejects and removes it."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "tool_name": {"type": "string"},
    "decision": {"type": "string", "enum": ["approve", "reject"]}
  },
  "required": ["tool_name", "decision"]
}`)
}

func (t *Tool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		ToolName string `json:"tool_name"`
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if !t.registry.IsQuarantined(input.ToolName) {
		return &agent.ToolResult{Content: fmt.Sprintf("tool %q is not currently quarantined", input.ToolName), IsError: true}, nil
	}

	switch input.Decision {
	case "approve":
		t.registry.Approve(input.ToolName)
		return &agent.ToolResult{Content: fmt.Sprintf("tool %q approved and released from quarantine", input.ToolName)}, nil
	case "reject":
		t.registry.Unregister(input.ToolName)
		return &agent.ToolResult{Content: fmt.Sprintf("tool %q rejected and removed", input.ToolName)}, nil
	default:
		return &agent.ToolResult{Content: fmt.Sprintf("unknown decision %q, expected approve or reject", input.Decision), IsError: true}, nil
	}
}
