package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semih2482/cortex/internal/llm"
)

type fakeLLM struct {
	completeResponses []string
	call              int
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	if f.call >= len(f.completeResponses) {
		return f.completeResponses[len(f.completeResponses)-1], nil
	}
	resp := f.completeResponses[f.call]
	f.call++
	return resp, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{1}, nil }
func (f *fakeLLM) Dimension() int                                            { return 1 }

func servicesWith(responses ...string) *llm.Services {
	client := &fakeLLM{completeResponses: responses}
	return llm.NewServices(client, client)
}

type fakeExecutor struct {
	catalogue []ToolDescriptor
	invoked   []string
}

func (f *fakeExecutor) Catalogue() []ToolDescriptor { return f.catalogue }

func (f *fakeExecutor) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	f.invoked = append(f.invoked, name)
	switch name {
	case "search":
		return Result{Status: StatusSuccess, Result: "search results about " + args["query"].(string)}, nil
	case "write_file":
		return Result{Status: StatusSuccess, Result: "wrote " + args["content"].(string)}, nil
	case "fails":
		return Result{Status: StatusError, Message: "boom"}, nil
	case "clarify":
		return Result{Status: StatusClarificationNeeded, Message: "need more info"}, nil
	default:
		return Result{Status: StatusError, Message: "unknown tool"}, nil
	}
}

type mapScratch map[string]string

func (m mapScratch) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }

func TestPlanExtractsFencedJSON(t *testing.T) {
	resp := "false\n" + "```json\n[{\"tool_name\": \"search\", \"args\": {\"query\": \"go\"}}]\n```"
	services := servicesWith(resp)
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "search", Description: "search the web"}}}
	p := New(services, exec, 3)

	steps, err := p.Plan(context.Background(), "look up go")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "search", steps[0].ToolName)
}

func TestValidateRejectsUnknownTool(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "search"}}}
	p := New(servicesWith(""), exec, 3)

	err := p.Validate([]Step{{ToolName: "nope", Args: map[string]any{}}})
	require.Error(t, err)
}

func TestValidateRejectsPreviousOutputInStepZero(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "search"}}}
	p := New(servicesWith(""), exec, 3)

	err := p.Validate([]Step{{ToolName: "search", Args: map[string]any{"query": "{{previous_tool_output}}"}}})
	require.Error(t, err)
}

func TestValidateEnforcesSchemaSkippingPlaceholders(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "search", Schema: schema}}}
	p := New(servicesWith(""), exec, 3)

	require.NoError(t, p.Validate([]Step{{ToolName: "search", Args: map[string]any{"query": "{{user_goal}}"}}}))
	require.Error(t, p.Validate([]Step{{ToolName: "search", Args: map[string]any{}}}))
}

func TestExecuteSubstitutesPreviousOutputAndUserGoal(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "search"}, {Name: "write_file"}}}
	p := New(servicesWith(""), exec, 3)

	plan := []Step{
		{ToolName: "search", Args: map[string]any{"query": "{{user_goal}}"}},
		{ToolName: "write_file", Args: map[string]any{"content": "{{previous_tool_output}}"}},
	}

	result, _, err := p.Execute(context.Background(), plan, "research go", nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Contains(t, result.Result, "search results about")
}

func TestExecuteHaltsOnClarificationNeeded(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "clarify"}}}
	p := New(servicesWith(""), exec, 3)

	result, _, err := p.Execute(context.Background(), []Step{{ToolName: "clarify"}}, "goal", nil)
	require.NoError(t, err)
	require.Equal(t, StatusClarificationNeeded, result.Status)
}

func TestExecuteReturnsErrorOnFailure(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "fails"}}}
	p := New(servicesWith(""), exec, 3)

	_, _, err := p.Execute(context.Background(), []Step{{ToolName: "fails"}}, "goal", nil)
	require.Error(t, err)
}

func TestPlanAndExecuteUsesToolCreatorWhenClassifierSaysTrue(t *testing.T) {
	services := servicesWith("true")
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "tool_creator"}}}
	exec.catalogue[0] = ToolDescriptor{Name: "tool_creator"}

	// Invoke must handle tool_creator; extend fakeExecutor inline via closure-free approach.
	creatorExec := &creatorAwareExecutor{fakeExecutor: exec}
	p := New(services, creatorExec, 3)

	result, retries, err := p.PlanAndExecute(context.Background(), "write a script to parse csv", nil)
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	require.Equal(t, StatusSuccess, result.Status)
	require.Contains(t, creatorExec.invoked, "tool_creator")
}

type creatorAwareExecutor struct{ *fakeExecutor }

func (c *creatorAwareExecutor) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	if name == "tool_creator" {
		c.invoked = append(c.invoked, name)
		return Result{Status: StatusSuccess, Result: "created tool"}, nil
	}
	return c.fakeExecutor.Invoke(ctx, name, args)
}

func TestWorkingMemoryPlaceholderResolvesFromScratchpad(t *testing.T) {
	exec := &fakeExecutor{catalogue: []ToolDescriptor{{Name: "write_file"}}}
	p := New(servicesWith(""), exec, 3)
	scratch := mapScratch{"summary_key": "hello world"}

	plan := []Step{{ToolName: "write_file", Args: map[string]any{"content": "{{working_memory.get('summary_key')}}"}}}
	result, _, err := p.Execute(context.Background(), plan, "goal", scratch)
	require.NoError(t, err)
	require.Equal(t, "wrote hello world", result.Result)
}
