// Package codeauditor implements the optional post-synthesis review pass
// ToolCreator invokes (spec §4.7 step 5), grounded directly in
// original_source/agent/tools/code_auditor.py: prompt the heavy LLM to
// review a source file for bugs, performance, style, refactoring, and
// security issues, and return a structured list of line-anchored
// suggestions. It also implements toolcreator.Auditor so it can be wired
// straight into the Creator.
package codeauditor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/semih2482/cortex/internal/agent"
	"github.com/semih2482/cortex/internal/llm"
	"github.com/semih2482/cortex/internal/toolcreator"
)

// Tool reviews a Go source file and suggests improvements.
type Tool struct {
	services *llm.Services
}

// New wraps services as an agent.Tool and a toolcreator.Auditor.
func New(services *llm.Services) *Tool {
	return &Tool{services: services}
}

func (t *Tool) Name() string { return "code_auditor" }

func (t *Tool) Description() string {
	return "Analyzes a Go source file and suggests improvements for bugs, performance, style, and security."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "file_path": {"type": "string", "description": "Absolute path to the Go file to audit"}
  },
  "required": ["file_path"]
}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if input.FilePath == "" {
		return &agent.ToolResult{Content: "file_path is required", IsError: true}, nil
	}

	code, err := os.ReadFile(input.FilePath)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("error reading file: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(string(code)) == "" {
		return &agent.ToolResult{Content: "the file is empty, no audit needed"}, nil
	}

	suggestions, err := t.Audit(ctx, input.FilePath, string(code))
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("audit failed: %v", err), IsError: true}, nil
	}
	if len(suggestions) == 0 {
		return &agent.ToolResult{Content: fmt.Sprintf("no improvement suggestions found for %s", input.FilePath)}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "found %d improvement suggestions for %s:\n\n", len(suggestions), input.FilePath)
	for _, s := range suggestions {
		fmt.Fprintf(&sb, "line %d (%s): %s\n  - original: %s\n  - suggested: %s\n\n",
			s.LineNumber, s.SuggestionType, s.Description, s.OriginalCode, s.SuggestedCode)
	}
	return &agent.ToolResult{Content: sb.String()}, nil
}

// Audit satisfies toolcreator.Auditor.
func (t *Tool) Audit(ctx context.Context, filePath, code string) ([]toolcreator.Suggestion, error) {
	prompt := fmt.Sprintf(`You are an expert Go code reviewer. Audit the following Go source for:
1. Potential bugs (logical errors, unhandled errors, race conditions)
2. Performance issues
3. Readability and idiomatic Go style
4. Refactoring opportunities
5. Security vulnerabilities

Respond with ONLY a JSON object: {"suggestions": [{"line_number": int, "original_code": string,
"suggestion_type": string, "description": string, "suggested_code": string}]}.
If there are no issues, respond with {"suggestions": []}.

File: %s
` + "```go\n%s\n```", filePath, code)

	resp, err := t.services.CompleteHeavy(ctx, llm.Request{Prompt: prompt, MaxTokens: 4096})
	if err != nil {
		return nil, fmt.Errorf("codeauditor: llm call failed: %w", err)
	}

	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("codeauditor: llm did not return a JSON object")
	}

	var parsed struct {
		Suggestions []struct {
			LineNumber     json.Number `json:"line_number"`
			OriginalCode   string      `json:"original_code"`
			SuggestionType string      `json:"suggestion_type"`
			Description    string      `json:"description"`
			SuggestedCode  string      `json:"suggested_code"`
		} `json:"suggestions"`
	}
	dec := json.NewDecoder(strings.NewReader(resp[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("codeauditor: invalid JSON response: %w", err)
	}

	out := make([]toolcreator.Suggestion, 0, len(parsed.Suggestions))
	for _, s := range parsed.Suggestions {
		line, _ := strconv.Atoi(s.LineNumber.String())
		out = append(out, toolcreator.Suggestion{
			LineNumber:     line,
			OriginalCode:   s.OriginalCode,
			SuggestedCode:  s.SuggestedCode,
			SuggestionType: s.SuggestionType,
			Description:    s.Description,
		})
	}
	return out, nil
}
