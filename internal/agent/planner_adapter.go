package agent

import (
	"context"
	"encoding/json"

	"github.com/semih2482/cortex/internal/planner"
)

// registryExecutor bridges ToolRegistry/Tool to planner.ToolExecutor without
// the planner package importing agent (avoids the import cycle: agent's
// ReasoningController imports planner, so planner must not import agent).
type registryExecutor struct {
	registry *ToolRegistry
}

// NewPlannerExecutor wraps a ToolRegistry as a planner.ToolExecutor.
func NewPlannerExecutor(registry *ToolRegistry) planner.ToolExecutor {
	return &registryExecutor{registry: registry}
}

func (r *registryExecutor) Catalogue() []planner.ToolDescriptor {
	tools := r.registry.AsLLMTools()
	out := make([]planner.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if r.registry.IsQuarantined(t.Name()) {
			continue
		}
		out = append(out, planner.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}

func (r *registryExecutor) Invoke(ctx context.Context, name string, args map[string]any) (planner.Result, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return planner.Result{}, err
	}

	res, err := r.registry.Execute(ctx, name, params)
	if err != nil {
		return planner.Result{}, err
	}

	// Tools that already speak the standard {status, result, message}
	// envelope (e.g. tool_creator, code_auditor) pass through untouched;
	// everything else is wrapped so the Planner sees a uniform contract.
	var envelope planner.Result
	if json.Unmarshal([]byte(res.Content), &envelope) == nil && envelope.Status != "" {
		return envelope, nil
	}

	if res.IsError {
		return planner.Result{Status: planner.StatusError, Message: res.Content}, nil
	}
	return planner.Result{Status: planner.StatusSuccess, Result: res.Content}, nil
}
