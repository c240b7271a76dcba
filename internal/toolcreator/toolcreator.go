// Package toolcreator synthesises new tool implementations on demand (spec
// §4.7), grounded in the original implementation's tool_creator.py: prompt
// the heavy LLM for a Go source file matching a fixed template, validate the
// candidate with go/parser and go/ast, retry with the validation error fed
// back into the prompt, write the artefact atomically, and hand it to an
// optional auditor for a post-write review pass.
package toolcreator

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/semih2482/cortex/internal/llm"
	"github.com/semih2482/cortex/pkg/pluginsdk"
)

// Request describes the tool to synthesise.
type Request struct {
	TaskDescription string
	ToolName        string
	InputSchema     string // raw JSON Schema text, embedded verbatim into the generated source
}

// Result is what the creator hands back to the Planner/ToolRegistry.
type Result struct {
	ToolName     string
	FilePath     string
	Code         string
	Quarantined  bool
	AuditApplied bool
}

// Auditor reviews a freshly-written source file and returns suggested fixes.
// Implemented by internal/tools/codeauditor; kept as an interface here to
// avoid toolcreator depending on the concrete tool package.
type Auditor interface {
	Audit(ctx context.Context, filePath, code string) ([]Suggestion, error)
}

// Suggestion is one code_auditor-style line replacement.
type Suggestion struct {
	LineNumber     int
	OriginalCode   string
	SuggestedCode  string
	SuggestionType string
	Description    string
}

const maxRetries = 3

var (
	safeName       = regexp.MustCompile(`[^a-z0-9_]`)
	fencedGo       = regexp.MustCompile("(?s)```(?:go)?\\s*\\n(.*?)\\n```")
	forbiddenTerms = []string{
		"TODO: YOUR REAL CODE GOES HERE",
		"mock data",
		"fake result",
		"dummy response",
	}
)

// Creator synthesises, validates, and persists new tools.
type Creator struct {
	services *llm.Services
	dir      string // community_tools directory new artefacts are written to
	auditor  Auditor
}

// New constructs a Creator. dir is created on first write if missing.
func New(services *llm.Services, dir string, auditor Auditor) *Creator {
	return &Creator{services: services, dir: dir, auditor: auditor}
}

// Create runs the generate/validate/retry loop and writes the resulting
// source file atomically, returning it in a quarantined state for the
// ToolRegistry to surface for human approval (spec §4.7 step 6).
func (c *Creator) Create(ctx context.Context, req Request) (*Result, error) {
	name := safeName.ReplaceAllString(strings.ToLower(req.ToolName), "")
	if name == "" {
		return nil, fmt.Errorf("toolcreator: tool_name must contain at least one alphanumeric character")
	}

	prompt := buildPrompt(name, req.TaskDescription, req.InputSchema)
	var lastErr error
	var code string

	for attempt := 0; attempt < maxRetries; attempt++ {
		current := prompt
		if lastErr != nil {
			current += fmt.Sprintf("\n\nPREVIOUS ATTEMPT FAILED VALIDATION: %s\nFix the issue and output the complete corrected source.", lastErr.Error())
		}

		resp, err := c.services.CompleteHeavy(ctx, llm.Request{Prompt: current, MaxTokens: 3000})
		if err != nil {
			lastErr = err
			continue
		}

		candidate := extractGoCode(resp)
		if err := validate(candidate, name); err != nil {
			lastErr = err
			continue
		}

		code = candidate
		lastErr = nil
		break
	}

	if code == "" {
		return nil, fmt.Errorf("toolcreator: could not synthesise a valid tool after %d attempts: %w", maxRetries, lastErr)
	}

	filePath, err := c.write(name, code)
	if err != nil {
		return nil, err
	}
	if err := c.writeManifest(name, req, filePath); err != nil {
		return nil, fmt.Errorf("toolcreator: write manifest: %w", err)
	}

	result := &Result{ToolName: name, FilePath: filePath, Code: code, Quarantined: true}

	if c.auditor != nil {
		if fixed, applied, err := c.audit(ctx, filePath, code, name); err == nil && applied {
			result.Code = fixed
			result.AuditApplied = true
		}
	}

	return result, nil
}

func (c *Creator) write(name, code string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return "", fmt.Errorf("toolcreator: create tools dir: %w", err)
	}
	path := filepath.Join(c.dir, name+".go")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(code), 0o600); err != nil {
		return "", fmt.Errorf("toolcreator: write artefact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("toolcreator: rename artefact: %w", err)
	}
	return path, nil
}

// writeManifest persists a pluginsdk.Manifest sidecar next to the generated
// source so a human reviewer (spec §4.7's approval step) can see the tool's
// declared schema and required capabilities before releasing it from
// quarantine, without reading the generated Go source itself.
func (c *Creator) writeManifest(name string, req Request, filePath string) error {
	schema := json.RawMessage(req.InputSchema)
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	manifest := pluginsdk.Manifest{
		ID:           name,
		Kind:         "tool",
		Name:         req.ToolName,
		Description:  req.TaskDescription,
		Version:      "0.1.0",
		Tools:        []string{name},
		ConfigSchema: schema,
		Capabilities: &pluginsdk.Capabilities{Required: []string{"tool:" + name}},
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	manifestPath := strings.TrimSuffix(filePath, ".go") + ".manifest.json"
	return os.WriteFile(manifestPath, data, 0o600)
}

// audit runs the optional post-write review pass (spec §4.7 step 5 /
// original_source code_auditor.py), applying suggested line replacements
// and re-validating before accepting the fix.
func (c *Creator) audit(ctx context.Context, filePath, code, name string) (string, bool, error) {
	suggestions, err := c.auditor.Audit(ctx, filePath, code)
	if err != nil || len(suggestions) == 0 {
		return code, false, err
	}

	lines := strings.SplitAfter(code, "\n")
	for i := len(suggestions) - 1; i >= 0; i-- {
		s := suggestions[i]
		idx := s.LineNumber - 1
		if idx < 0 || idx >= len(lines) {
			continue
		}
		if strings.Contains(lines[idx], s.OriginalCode) {
			lines[idx] = strings.Replace(lines[idx], s.OriginalCode, s.SuggestedCode, 1)
		}
	}
	fixed := strings.Join(lines, "")

	if err := validate(fixed, name); err != nil {
		return code, false, nil
	}

	if err := os.WriteFile(filePath, []byte(fixed), 0o600); err != nil {
		return code, false, err
	}
	return fixed, true, nil
}

func buildPrompt(name, taskDescription, inputSchema string) string {
	if inputSchema == "" {
		inputSchema = `{"type":"object","properties":{}}`
	}
	return fmt.Sprintf(`You are an expert Go developer. Write a single Go source file implementing a
tool named %q for the package "generated".

TASK: %s

CRITICAL RULES:
1. NO MOCK DATA OR PLACEHOLDERS. The code must have real, working logic.
2. The package clause must be exactly "package generated".
3. Declare exactly one exported type implementing this interface:

   type Tool interface {
       Name() string
       Description() string
       Schema() json.RawMessage
       Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
   }

   where ToolResult is:

   type ToolResult struct {
       Content string
       IsError bool
   }

4. Name() must return exactly %q.
5. Schema() must return this JSON Schema verbatim: %s
6. Only import the Go standard library; no third-party imports.
7. Output ONLY the complete Go source in a single fenced ```go code block.`,
		name, taskDescription, name, inputSchema)
}

func extractGoCode(response string) string {
	if m := fencedGo.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(response)
}

// validate checks syntax, forbidden placeholder terms, import allowlist
// (stdlib only), and that Name() returns the expected tool name (spec §4.7
// validation order, grounded in tool_creator.py's validate_code_quality).
func validate(code, expectedName string) error {
	if code == "" {
		return fmt.Errorf("empty candidate source")
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", code, parser.AllErrors)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}

	for _, term := range forbiddenTerms {
		if strings.Contains(code, term) {
			return fmt.Errorf("code contains forbidden placeholder term %q", term)
		}
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if strings.Contains(path, ".") {
			return fmt.Errorf("non-standard-library import %q is not allowed", path)
		}
	}

	if !declaresNameReturning(file, expectedName) {
		return fmt.Errorf("no Name() method returning %q found", expectedName)
	}

	return nil
}

// declaresNameReturning walks the AST for a method literally named "Name"
// whose body returns a string literal equal to expected.
func declaresNameReturning(file *ast.File, expected string) bool {
	found := false
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || fn.Name.Name != "Name" {
			return true
		}
		ast.Inspect(fn.Body, func(inner ast.Node) bool {
			ret, ok := inner.(*ast.ReturnStmt)
			if !ok || len(ret.Results) != 1 {
				return true
			}
			lit, ok := ret.Results[0].(*ast.BasicLit)
			if !ok {
				return true
			}
			if strings.Trim(lit.Value, `"`) == expected {
				found = true
			}
			return true
		})
		return true
	})
	return found
}
