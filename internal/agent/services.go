package agent

import (
	"log/slog"

	"github.com/semih2482/cortex/internal/llm"
	"github.com/semih2482/cortex/internal/memory/knowledge"
	"github.com/semih2482/cortex/internal/memory/persona"
	"github.com/semih2482/cortex/internal/memory/personal"
	"github.com/semih2482/cortex/internal/memory/vectorstore"
	"github.com/semih2482/cortex/internal/observability"
	"github.com/semih2482/cortex/internal/planner"
	"github.com/semih2482/cortex/internal/policy"
	"github.com/semih2482/cortex/internal/sessions"
	"github.com/semih2482/cortex/internal/tools/intentdetector"
	"github.com/semih2482/cortex/internal/tools/scratchpad"
)

// Services is the process-wide handle owned by the controller and passed by
// reference to every subsystem (spec §9's "no hidden globals" redesign
// note), grounded in the teacher's AgenticRuntime wrapper pattern. It is
// constructed once at process start.
type Services struct {
	LLM          *llm.Services
	Sessions     sessions.Store
	VectorStore  *vectorstore.Store
	Knowledge    *knowledge.Graph
	Persona      *persona.Store
	Personal     *personal.Store
	Registry     *ToolRegistry
	ToolPolicy   *policy.Bandit
	PromptPolicy *policy.Bandit
	Planner      *planner.Planner
	Scratchpad   *scratchpad.Store
	Intent       *intentdetector.Detector
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// ControllerCtx is the narrowed capability handle tools receive in place of
// a full controller back-reference (spec §9), read-only when invoked
// re-entrantly (§5's ownership rule).
type ControllerCtx struct {
	LLM                *llm.Services
	VectorStore        *vectorstore.Store
	KnowledgeGraph     *knowledge.Graph
	PersonalStore      *personal.Store
	RegistrySnapshot   []string
}

// Snapshot builds a read-only ControllerCtx from Services.
func (s *Services) Snapshot() ControllerCtx {
	return ControllerCtx{
		LLM:              s.LLM,
		VectorStore:      s.VectorStore,
		KnowledgeGraph:   s.Knowledge,
		PersonalStore:    s.Personal,
		RegistrySnapshot: s.Registry.Names(),
	}
}
