// Package planner implements the three-phase plan/validate/execute algorithm
// (spec §4.10): a narrow LLM classifier decides whether a goal needs a new
// tool, otherwise the LLM emits a JSON list plan that is schema-validated
// and executed linearly with placeholder substitution and a replan-on-error
// loop.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/semih2482/cortex/internal/llm"
)

// ToolDescriptor is the catalogue entry the Planner sees for each tool.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for args; nil skips schema validation
}

// Status mirrors the original implementation's per-step result envelope.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusError               Status = "error"
	StatusClarificationNeeded Status = "clarification_needed"
)

// Result is the standard response shape every tool must return.
type Result struct {
	Status  Status `json:"status"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// Scratchpad is the working-memory key/value store the Planner substitutes
// `{{working_memory.get('key')}}` placeholders against (spec §9 supplemented
// feature: the scratchpad tool is the read/write surface for this state).
type Scratchpad interface {
	Get(key string) (string, bool)
}

// ToolExecutor invokes a registered tool by name with JSON-encoded args and
// returns the standard Result envelope.
type ToolExecutor interface {
	Catalogue() []ToolDescriptor
	Invoke(ctx context.Context, name string, args map[string]any) (Result, error)
}

// Step is one planned tool invocation.
type Step struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")
var placeholderPattern = regexp.MustCompile(`\{\{.*?\}\}`)
var workingMemoryGet = regexp.MustCompile(`working_memory\.get\('([^']+)'\)`)

// Planner generates, validates, and executes plans (spec §4.10).
type Planner struct {
	services    *llm.Services
	tools       ToolExecutor
	maxRetries  int
	schemaCache sync.Map
}

// New constructs a Planner. maxRetries <= 0 defaults to 3 (spec default
// replan budget).
func New(services *llm.Services, tools ToolExecutor, maxRetries int) *Planner {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Planner{services: services, tools: tools, maxRetries: maxRetries}
}

func (p *Planner) compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := p.schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	p.schemaCache.Store(key, compiled)
	return compiled, nil
}

// isToolCreationNeeded asks a narrow yes/no classifier question (spec §4.10
// plan generation phase 1).
func (p *Planner) isToolCreationNeeded(ctx context.Context, goal string) bool {
	hasCreator := false
	for _, t := range p.tools.Catalogue() {
		if t.Name == "tool_creator" {
			hasCreator = true
			break
		}
	}
	if !hasCreator {
		return false
	}

	prompt := fmt.Sprintf(`You are a decision-making AI. Determine if a user's request requires creating a new tool.
A new tool is needed for a specific, reusable coding task ("write a script to do X", "create a function for Y").
A new tool is NOT needed for general questions, research, file editing, or one-off commands.

User Goal: %q

Does this goal require creating a new tool? Respond with only "true" or "false".`, goal)

	resp, err := p.services.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: 10})
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(resp), "true")
}

// Plan generates a list of steps for goal (spec §4.10 plan generation).
func (p *Planner) Plan(ctx context.Context, goal string) ([]Step, error) {
	if p.isToolCreationNeeded(ctx, goal) {
		return []Step{{ToolName: "tool_creator", Args: map[string]any{"task_description": goal}}}, nil
	}

	var catalogue strings.Builder
	for _, t := range p.tools.Catalogue() {
		fmt.Fprintf(&catalogue, "- `%s`: %s (args schema: %s)\n", t.Name, t.Description, string(t.Schema))
	}

	prompt := fmt.Sprintf(`You are an expert planner AI. Produce a JSON list of objects to achieve the user's goal.
Each object has "tool_name" (string) and "args" (object). Use "{{previous_tool_output}}" to pass the
prior step's result and "{{user_goal}}" for the original request. Use the working_memory tool with
action "set"/"get" to pass data between non-adjacent steps instead of temporary files.

User Goal: %q

Available Tools:
%s

Respond with ONLY the JSON list, no other text.`, goal, catalogue.String())

	resp, err := p.services.CompleteHeavy(ctx, llm.Request{Prompt: prompt, MaxTokens: 1024})
	if err != nil {
		return nil, fmt.Errorf("planner: generate plan: %w", err)
	}

	steps, err := extractJSONPlan(resp)
	if err != nil {
		return nil, fmt.Errorf("planner: could not obtain a valid plan: %w", err)
	}
	return steps, nil
}

func extractJSONPlan(response string) ([]Step, error) {
	var jsonStr string
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	} else {
		start := strings.Index(response, "[")
		end := strings.LastIndex(response, "]")
		if start == -1 || end == -1 || end <= start {
			return nil, fmt.Errorf("no JSON list found in response")
		}
		jsonStr = response[start : end+1]
	}

	var steps []Step
	if err := json.Unmarshal([]byte(jsonStr), &steps); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	for _, s := range steps {
		if s.ToolName == "" {
			return nil, fmt.Errorf("plan step missing tool_name")
		}
	}
	return steps, nil
}

// Validate checks that every step references a registered tool, that step 0
// doesn't reference {{previous_tool_output}}, and that args satisfy the
// tool's declared schema (treating placeholders as pass-through) (spec
// §4.10 validation phase).
func (p *Planner) Validate(plan []Step) error {
	if len(plan) == 0 {
		return fmt.Errorf("planner: plan must not be empty")
	}

	byName := map[string]ToolDescriptor{}
	for _, t := range p.tools.Catalogue() {
		byName[t.Name] = t
	}

	for i, step := range plan {
		tool, ok := byName[step.ToolName]
		if !ok {
			return fmt.Errorf("planner: unknown tool %q in step %d", step.ToolName, i)
		}

		if i == 0 {
			for key, v := range step.Args {
				if s, ok := v.(string); ok && strings.Contains(s, "{{previous_tool_output}}") {
					return fmt.Errorf("planner: step 0 arg %q cannot reference {{previous_tool_output}}", key)
				}
			}
		}

		if len(tool.Schema) == 0 {
			continue
		}
		schema, err := p.compileSchema(tool.Schema)
		if err != nil {
			return fmt.Errorf("planner: compile schema for %q: %w", step.ToolName, err)
		}

		toValidate := map[string]any{}
		for k, v := range step.Args {
			if s, ok := v.(string); ok && placeholderPattern.MatchString(s) {
				continue
			}
			toValidate[k] = v
		}
		if err := schema.Validate(toValidate); err != nil {
			return fmt.Errorf("planner: invalid args for %q: %w", step.ToolName, err)
		}
	}
	return nil
}

// Execute runs a validated plan linearly, substituting placeholders between
// steps (spec §4.10 execution phase). A clarification_needed result halts
// and is returned as-is; a non-success result becomes an error.
func (p *Planner) Execute(ctx context.Context, plan []Step, goal string, scratch Scratchpad) (Result, int, error) {
	var last Result
	var previousOutput any

	for i, step := range plan {
		args := make(map[string]any, len(step.Args))
		for key, v := range step.Args {
			args[key] = substitutePlaceholder(v, previousOutput, goal, scratch)
		}

		res, err := p.tools.Invoke(ctx, step.ToolName, args)
		if err != nil {
			return Result{}, i, fmt.Errorf("planner: execute step %d (%s): %w", i, step.ToolName, err)
		}
		if res.Status == StatusClarificationNeeded {
			return res, i, nil
		}
		if res.Status != StatusSuccess {
			msg := res.Message
			if msg == "" {
				msg = "unknown execution error"
			}
			return Result{}, i, fmt.Errorf("planner: step %d (%s) failed: %s", i, step.ToolName, msg)
		}

		last = res
		previousOutput = res.Result
	}

	if last.Status == "" {
		last = Result{Status: StatusSuccess, Message: "plan executed successfully, but no tool returned a result"}
	}
	return last, len(plan) - 1, nil
}

func substitutePlaceholder(v any, previousOutput any, goal string, scratch Scratchpad) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "{{previous_tool_output}}", "{previous_tool_output}":
		return previousOutput
	case "{{user_goal}}", "{user_goal}":
		return goal
	}
	if m := workingMemoryGet.FindStringSubmatch(s); m != nil && scratch != nil {
		if val, ok := scratch.Get(m[1]); ok {
			return strings.ReplaceAll(s, m[0], val)
		}
	}
	return s
}

// PlanAndExecute runs the full plan/validate/execute loop, replanning on
// failure up to maxRetries times with the error fed back into the next
// planning prompt (spec §4.10 / §4.9 "retries" signal).
func (p *Planner) PlanAndExecute(ctx context.Context, goal string, scratch Scratchpad) (Result, int, error) {
	currentGoal := goal
	var plan []Step
	var lastErr error

	for retries := 0; retries <= p.maxRetries; retries++ {
		if plan == nil {
			generated, err := p.Plan(ctx, currentGoal)
			if err != nil {
				lastErr = err
				plan = nil
				currentGoal = replanGoal(goal, err)
				continue
			}
			if err := p.Validate(generated); err != nil {
				lastErr = err
				plan = nil
				currentGoal = replanGoal(goal, err)
				continue
			}
			plan = generated
		}

		result, _, err := p.Execute(ctx, plan, goal, scratch)
		if err != nil {
			lastErr = err
			plan = nil
			currentGoal = replanGoal(goal, err)
			continue
		}
		return result, retries, nil
	}

	return Result{Status: StatusError, Message: fmt.Sprintf("planner exhausted all retries: %v", lastErr)}, p.maxRetries, lastErr
}

func replanGoal(goal string, err error) string {
	return fmt.Sprintf("%q: the previous attempt failed with %q. Produce a different plan that avoids this error.", goal, err.Error())
}
