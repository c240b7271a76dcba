// Package agent implements the ToolRegistry (spec §4.6) and the
// ReasoningController (spec §4.11): a per-turn state machine generalised
// from the teacher's internal/agent/loop.go AgenticLoop/LoopState/Run()
// phase-based streaming loop, and from the original implementation's
// agent/core/agent.py for state-specific semantics (intent fast-path,
// stuck-counter detection, hard-break rule, contradiction reconciliation,
// dual-write reflection) the teacher's simpler loop did not need.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	agentcontext "github.com/semih2482/cortex/internal/agent/context"
	"github.com/semih2482/cortex/internal/llm"
	"github.com/semih2482/cortex/internal/memory/knowledge"
	"github.com/semih2482/cortex/internal/policy"
	"github.com/semih2482/cortex/internal/tools/intentdetector"
	"github.com/semih2482/cortex/pkg/models"
)

// loopDetectedMessage, decisionFailureMessage, stepBudgetExhaustedMessage and
// interruptedMessage are the fixed replies spec §7 requires for the
// corresponding terminal conditions: the controller always returns
// *something*, never a bare error, once a turn has entered STEP_LOOP.
const (
	loopDetectedMessage        = "I detected a loop."
	decisionFailureMessage     = "I could not decide; please rephrase."
	stepBudgetExhaustedMessage = "I was not able to finish within my step budget."
	interruptedMessage         = "I stopped because the turn was interrupted."

	// actionHistoryCapacity bounds the loop-detection deque to the last 5
	// (action, short_input) summaries (spec §4.11).
	actionHistoryCapacity = 5
	// decisionMaxRetries is the number of extra DECIDE attempts on a
	// SchemaViolation before the turn gives up (spec §7).
	decisionMaxRetries = 2

	contradictionStaleAfter    = 7 * 24 * time.Hour
	contradictionConfidenceMin = 0.75
)

// quarantinePendingApproval matches ToolRegistry.Execute's own quarantine
// rejection message, so the hard-break rule (spec §4.11) can deterministically
// detect "a tool was just created and is pending approval" without asking
// the LLM to notice it.
var quarantinePendingApproval = regexp.MustCompile(`tool "([^"]+)" is quarantined pending approval`)

// Decision is the per-step contract between the LLM and the controller
// (spec §3): the LLM always proposes the next thought/action/input, or
// terminates the turn with a response.
type Decision struct {
	Thought  string          `json:"thought"`
	Action   string          `json:"action"`
	Input    json.RawMessage `json:"input"`
	Response string          `json:"response"`
}

// actionSummary is the short (action, input) fingerprint compared across
// steps for loop detection (spec §4.11).
type actionSummary struct {
	action string
	input  string
}

func summarizeDecision(action string, input json.RawMessage) actionSummary {
	const maxLen = 120
	s := string(input)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return actionSummary{action: action, input: s}
}

func containsSummary(history []actionSummary, s actionSummary) bool {
	for _, h := range history {
		if h == s {
			return true
		}
	}
	return false
}

// turnChannel labels every metric this controller emits; the reasoning
// agent is single-channel (CLI), so this is a constant rather than a
// per-message field.
const turnChannel = "cli"

// llmSummaryProvider adapts llm.Services to agentcontext's TextProvider and
// SummaryProvider interfaces, so the rolling-summary and truncate-or-summarize
// helpers can call out to the fast model instead of hard-trimming text.
type llmSummaryProvider struct {
	llm *llm.Services
}

func (p llmSummaryProvider) SummarizeText(ctx context.Context, text string, maxLength int) (string, error) {
	prompt := fmt.Sprintf("Summarize the following in under %d characters:\n\n%s", maxLength, text)
	return p.llm.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: maxLength / 3})
}

func (p llmSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	prompt := agentcontext.BuildSummarizationPrompt(messages, maxLength)
	return p.llm.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: maxLength / 3})
}

// ControllerConfig bounds the reactive step loop and cache/strategy
// thresholds (spec §4.11).
type ControllerConfig struct {
	MaxSteps              int
	StuckThreshold        int // stuck_counter value (repeats within the last-5-action window) that ends the turn
	CacheSimilarityMaxDist float64
	TruncateBudgetChars   int // GATHER_CONTEXT render budget before it gets summarized down
}

// DefaultControllerConfig returns the spec's suggested defaults: MAX_STEPS
// = 10 and a loop declared stuck at stuck_counter >= 2 (spec §4.11).
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{MaxSteps: 10, StuckThreshold: 2, CacheSimilarityMaxDist: 0.05, TruncateBudgetChars: 2000}
}

// Controller runs one reasoning turn through the full state machine (spec
// §4.11): IDLE -> {FAST_CHAT, CACHE_HIT, GATHER_CONTEXT} -> DECIDE_STRATEGY
// -> {PLANNER_RUN, STEP_LOOP} -> SYNTHESISE_KG -> SYNTHESISE -> REFLECT ->
// DONE.
type Controller struct {
	services *Services
	cfg      ControllerConfig
}

// NewController builds a controller over services.
func NewController(services *Services, cfg ControllerConfig) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 2
	}
	if cfg.CacheSimilarityMaxDist <= 0 {
		cfg.CacheSimilarityMaxDist = 0.05
	}
	if cfg.TruncateBudgetChars <= 0 {
		cfg.TruncateBudgetChars = 2000
	}
	return &Controller{services: services, cfg: cfg}
}

// gatheredContext is the output of the GATHER_CONTEXT state.
type gatheredContext struct {
	personaSummary string
	personalNotes  string
	knowledgeText  string
}

func (g gatheredContext) render() string {
	var sb strings.Builder
	if g.personaSummary != "" {
		sb.WriteString("Known about the user:\n" + g.personaSummary + "\n\n")
	}
	if g.personalNotes != "" {
		sb.WriteString("Relevant personal notes:\n" + g.personalNotes + "\n\n")
	}
	if g.knowledgeText != "" {
		sb.WriteString("Relevant known facts:\n" + g.knowledgeText + "\n\n")
	}
	return sb.String()
}

// Turn runs a single user input through the full reasoning loop and returns
// the final response text.
func (c *Controller) Turn(ctx context.Context, sessionID, userInput string) (string, error) {
	start := time.Now()
	log := c.services.Logger.With("session_id", sessionID)
	if m := c.services.Metrics; m != nil {
		m.SessionStarted(turnChannel)
		defer m.SessionEnded(turnChannel, time.Since(start).Seconds())
	}

	session, err := c.services.Sessions.GetOrCreate(ctx, sessionID, "cortex", models.ChannelCLI, sessionID)
	if err != nil {
		if m := c.services.Metrics; m != nil {
			m.RecordError("controller", "session_create_failed")
		}
		return "", &ControllerError{State: StateIdle, Message: "get or create session", Cause: err}
	}
	_ = c.services.Sessions.AppendMessage(ctx, session.ID, &models.Message{
		SessionID: session.ID, Role: models.RoleUser, Content: userInput, CreatedAt: time.Now(),
	})

	// FAST_CHAT
	log.Info("controller: state", "state", StateFastChat)
	detection := c.detectIntent(ctx, userInput)
	if detection.Intent == "chat" {
		reply, err := c.fastChatReply(ctx, userInput)
		if err != nil {
			return "", &ControllerError{State: StateFastChat, Cause: err}
		}
		c.record(ctx, session.ID, reply)
		return reply, nil
	}

	// CACHE_HIT
	log.Info("controller: state", "state", StateCacheHit)
	if cached, ok := c.checkCache(ctx, userInput); ok {
		c.record(ctx, session.ID, cached)
		return cached, nil
	}

	// GATHER_CONTEXT
	log.Info("controller: state", "state", StateGatherContext)
	gathered := c.gatherContext(ctx, userInput)
	contextText := gathered.render()
	contextText += c.packedHistory(ctx, session.ID)
	if bounded, err := agentcontext.TruncateOrSummarize(ctx, llmSummaryProvider{llm: c.services.LLM}, contextText, c.cfg.TruncateBudgetChars); err == nil {
		contextText = bounded
	}
	if m := c.services.Metrics; m != nil {
		m.RecordContextWindow("fast", "packed", len(contextText))
	}

	// DECIDE_STRATEGY
	log.Info("controller: state", "state", StateDecideStrategy, "strategy", detection.Strategy)

	var result string
	var retries int
	var stepErr error

	if detection.Strategy == "proactive" {
		result, retries, stepErr = c.plannerRun(ctx, userInput, contextText)
	} else {
		result, stepErr = c.stepLoop(ctx, userInput, contextText)
	}
	if stepErr != nil {
		log.Warn("controller: turn failed", "error", stepErr)
		if m := c.services.Metrics; m != nil {
			m.RecordError("controller", "turn_failed")
		}
		return "", &ControllerError{State: StateStepLoop, Cause: stepErr}
	}

	// SYNTHESISE_KG (+ CONTRADICTION_CHECK): the reactive step loop already
	// dual-writes after every successful observation (spec §4.11); the
	// Planner's internal steps are opaque to the controller, so the
	// proactive path gets one final dual-write over its aggregated result.
	if detection.Strategy == "proactive" {
		log.Info("controller: state", "state", StateSynthesiseKG)
		c.observe(ctx, "planner", userInput, &ToolResult{Content: result})
	}

	// SYNTHESISE
	log.Info("controller: state", "state", StateSynthesise)
	final := result

	// REFLECT
	log.Info("controller: state", "state", StateReflect)
	c.reflect(ctx, contextText, final, retries, time.Since(start))

	c.record(ctx, session.ID, final)
	log.Info("controller: state", "state", StateDone)
	return final, nil
}

func (c *Controller) detectIntent(ctx context.Context, userInput string) intentdetector.Detection {
	if c.services.Intent == nil {
		return intentdetector.Detection{Intent: "unknown", Strategy: "reactive", Source: intentdetector.SourceDefault}
	}
	return c.services.Intent.Detect(ctx, userInput)
}

func (c *Controller) fastChatReply(ctx context.Context, userInput string) (string, error) {
	prompt := fmt.Sprintf("Reply briefly and naturally to this greeting or small talk: %q", userInput)
	return c.services.LLM.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: 120})
}

// checkCache looks for a near-identical prior question/answer pair in the
// episodic vector store (spec §4.11 CACHE_HIT).
func (c *Controller) checkCache(ctx context.Context, userInput string) (string, bool) {
	if c.services.VectorStore == nil {
		return "", false
	}
	hits, err := c.services.VectorStore.Search(ctx, userInput, 1)
	if err != nil || len(hits) == 0 {
		return "", false
	}
	top := hits[0]
	if float64(top.Distance) > c.cfg.CacheSimilarityMaxDist {
		return "", false
	}
	if idx := strings.Index(top.Content, "\nAgent: "); idx != -1 {
		return top.Content[idx+len("\nAgent: "):], true
	}
	return "", false
}

// gatherContext runs persona/personal/knowledge lookups concurrently (spec
// §4.11, golang.org/x/sync/errgroup).
func (c *Controller) gatherContext(ctx context.Context, userInput string) gatheredContext {
	var g gatheredContext
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if c.services.Persona == nil {
			return nil
		}
		summary, err := c.services.Persona.SummarizePersona(gctx, 600)
		if err == nil {
			g.personaSummary = summary
		}
		return nil
	})
	group.Go(func() error {
		if c.services.Personal == nil {
			return nil
		}
		hits, err := c.services.Personal.Search(gctx, userInput, 3, "")
		if err == nil {
			var sb strings.Builder
			for _, h := range hits {
				sb.WriteString("- " + h.Note.Text + "\n")
			}
			g.personalNotes = sb.String()
		}
		return nil
	})
	group.Go(func() error {
		if c.services.Knowledge == nil {
			return nil
		}
		text, err := c.services.Knowledge.QueryAsText(gctx, userInput)
		if err == nil {
			g.knowledgeText = text
		}
		return nil
	})

	_ = group.Wait() // best-effort: a single failed lookup must not fail the turn
	return g
}

// packedHistory renders the budget-packed recent transcript plus (rolling,
// lazily-regenerated) summary of older turns, grounded in agentcontext's
// Packer/Summarizer (spec §4.12's generalisation of the teacher's rolling
// summary loop to a single-session CLI agent).
func (c *Controller) packedHistory(ctx context.Context, sessionID string) string {
	if c.services.Sessions == nil {
		return ""
	}
	history, err := c.services.Sessions.GetHistory(ctx, sessionID, 200)
	if err != nil || len(history) == 0 {
		return ""
	}

	summary := agentcontext.FindLatestSummary(history)
	summarizer := agentcontext.NewSummarizer(llmSummaryProvider{llm: c.services.LLM}, agentcontext.DefaultSummarizationConfig())
	if summarizer.ShouldSummarize(history, summary) {
		if newSummary, err := summarizer.Summarize(ctx, sessionID, history, summary); err == nil && newSummary != nil {
			if err := c.services.Sessions.AppendMessage(ctx, sessionID, newSummary); err == nil {
				summary = newSummary
			}
		}
	}

	packOpts := agentcontext.DefaultPackOptions()
	pruned := agentcontext.PruneContextMessages(history, agentcontext.DefaultContextPruningSettings(), packOpts.MaxChars)

	packer := agentcontext.NewPacker(packOpts)
	packed, err := packer.Pack(pruned, nil, summary)
	if err != nil || len(packed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Recent conversation:\n")
	for _, m := range packed {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))
	}
	return sb.String()
}

func (c *Controller) plannerRun(ctx context.Context, userInput, contextText string) (string, int, error) {
	if c.services.Planner == nil {
		return "", 0, fmt.Errorf("controller: no planner configured")
	}
	goal := userInput
	if contextText != "" {
		goal = contextText + "\nUser request: " + userInput
	}
	result, retries, err := c.services.Planner.PlanAndExecute(ctx, goal, c.services.Scratchpad)
	if m := c.services.Metrics; m != nil {
		status := "success"
		if err != nil {
			status = "failed"
		} else if retries > 0 {
			status = "retry"
		}
		m.RecordRunAttempt(status)
	}
	if err != nil {
		return "", retries, err
	}
	return resultText(result.Result), retries, nil
}

// stepLoop is the reactive path (spec §4.11 STEP_LOOP): each iteration
// prompts the LLM for a Decision (DECIDE), optionally biased by the
// contextual bandit's tool ranking, dispatches it (DISPATCH), folds the
// result back in as the next observation (OBSERVE), and repeats until the
// LLM terminates with action "none", the loop stalls, or MAX_STEPS is hit.
func (c *Controller) stepLoop(ctx context.Context, userInput, contextText string) (string, error) {
	if c.services.Registry == nil {
		return c.synthesiseDirect(ctx, userInput, contextText)
	}

	var lastObservation string
	var history []actionSummary
	var stuckCounter int

	for step := 0; step < c.cfg.MaxSteps; step++ {
		// INTERRUPT_CHECK
		if err := ctx.Err(); err != nil {
			return interruptedMessage, nil
		}

		decision, bypassed := c.hardBreak(lastObservation)
		if !bypassed {
			d, err := c.decide(ctx, userInput, contextText, lastObservation)
			if err != nil {
				c.services.Logger.Warn("controller: decide failed", "error", err)
				return decisionFailureMessage, nil
			}
			decision = d
		}

		if decision.Action == "" || strings.EqualFold(decision.Action, "none") {
			if decision.Response != "" {
				return decision.Response, nil
			}
			return c.synthesiseDirect(ctx, userInput, contextText+"\n\nLast observation: "+lastObservation)
		}

		// Loop detection: bounded deque of the last 5 (action, short_input)
		// summaries; a repeat increments stuck_counter, anything new resets
		// it (spec §4.11).
		summary := summarizeDecision(decision.Action, decision.Input)
		if containsSummary(history, summary) {
			stuckCounter++
		} else {
			stuckCounter = 0
		}
		history = append(history, summary)
		if len(history) > actionHistoryCapacity {
			history = history[len(history)-actionHistoryCapacity:]
		}
		if stuckCounter >= c.cfg.StuckThreshold {
			if tool, ok := c.services.Registry.Get(decision.Action); ok {
				c.services.Registry.RegisterQuarantined(tool)
			}
			if m := c.services.Metrics; m != nil {
				m.RecordSessionStuck(turnChannel)
			}
			return loopDetectedMessage, nil
		}

		if _, ok := c.services.Registry.Get(decision.Action); !ok {
			// An unknown action is not the agent's fault for "not deciding";
			// it re-enters the loop without consuming a step (spec §7).
			lastObservation = fmt.Sprintf("tool %q does not exist", decision.Action)
			step--
			continue
		}

		args := decision.Input
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}

		execStart := time.Now()
		res, err := c.services.Registry.Execute(ctx, decision.Action, args)
		reward := 0.0
		status := "success"
		if err != nil || (res != nil && res.IsError) {
			reward = -1.0
			status = "error"
		} else {
			reward = 1.0
		}
		if c.services.ToolPolicy != nil {
			_ = c.services.ToolPolicy.UpdateWithText(ctx, decision.Action, reward, contextText+userInput)
			if m := c.services.Metrics; m != nil {
				m.RecordPolicyReward("tool_selection", decision.Action, reward)
			}
		}
		if m := c.services.Metrics; m != nil {
			m.RecordToolExecution(decision.Action, status, time.Since(execStart).Seconds())
		}

		if err != nil {
			// A thrown tool exception becomes a synthetic observation that
			// re-enters the next step instead of failing the turn (spec §7).
			lastObservation = fmt.Sprintf("tool %q raised an error: %v", decision.Action, err)
			continue
		}
		lastObservation = res.Content
		c.observe(ctx, decision.Action, userInput, res)
		if !res.IsError {
			return c.synthesiseDirect(ctx, userInput, contextText+"\n\nTool "+decision.Action+" result: "+lastObservation)
		}
	}

	return stepBudgetExhaustedMessage, nil
}

// hardBreak implements spec §4.11's hard-break rule: when the last
// observation reports a tool is quarantined pending approval, the
// controller bypasses the LLM entirely and dispatches review_and_approve
// directly (E2E scenario 5), rather than hoping the LLM notices.
func (c *Controller) hardBreak(lastObservation string) (Decision, bool) {
	m := quarantinePendingApproval.FindStringSubmatch(lastObservation)
	if m == nil {
		return Decision{}, false
	}
	input, _ := json.Marshal(map[string]string{"tool_name": m[1], "decision": "approve"})
	return Decision{
		Thought: "a newly-created tool is pending approval; approving it before anything else",
		Action:  "review_and_approve",
		Input:   input,
	}, true
}

// decide prompts the heavy LLM for the next Decision (spec §4.11 DECIDE).
// The bandit, when available, only suggests which tool the prompt should
// recommend; the LLM always makes the final call. A malformed response is a
// SchemaViolation (spec §7): retried up to decisionMaxRetries times before
// decide gives up.
func (c *Controller) decide(ctx context.Context, userInput, contextText, lastObservation string) (Decision, error) {
	var hint string
	if c.services.ToolPolicy != nil {
		if sel, err := c.services.ToolPolicy.Select(ctx, contextText+userInput); err == nil && sel.Arm != "" {
			hint = sel.Arm
		}
	}

	var lastErr error
	for attempt := 0; attempt <= decisionMaxRetries; attempt++ {
		resp, err := c.services.LLM.CompleteHeavy(ctx, llm.Request{
			Prompt:    c.buildDecisionPrompt(userInput, contextText, lastObservation, hint),
			MaxTokens: 600,
		})
		if err != nil {
			lastErr = err
			continue
		}
		decision, err := parseDecision(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return decision, nil
	}
	return Decision{}, fmt.Errorf("decide: exhausted %d retries: %w", decisionMaxRetries, lastErr)
}

// buildDecisionPrompt assembles the DECIDE prompt: prioritized context,
// the tool catalogue, the bandit's hint, the last observation, and the
// fixed ruleset the spec requires every decision to honor.
func (c *Controller) buildDecisionPrompt(userInput, contextText, lastObservation, hint string) string {
	var sb strings.Builder
	sb.WriteString(contextText)

	sb.WriteString("\n\nAvailable tools:\n")
	if c.services.Registry != nil {
		for _, t := range c.services.Registry.AsLLMTools() {
			if c.services.Registry.IsQuarantined(t.Name()) {
				continue
			}
			sb.WriteString(fmt.Sprintf("- %s: %s (args schema: %s)\n", t.Name(), t.Description(), string(t.Schema())))
		}
	}
	if hint != "" {
		sb.WriteString(fmt.Sprintf("\nThe tool policy ranks %q highest for this request, but you decide.\n", hint))
	}
	if lastObservation != "" {
		sb.WriteString("\nLast observation: " + lastObservation + "\n")
	}

	sb.WriteString(fmt.Sprintf(`
User goal: %s

Decide the single next step. Respond with ONLY a JSON object, no other text:
{"thought": "...", "action": "<a tool name from the list above, or \"none\">", "input": <args object for the tool, or null>, "response": "<final reply to the user, only set when action is \"none\">"}

Rules:
- If a tool was just created and is pending approval, approve or reject it before doing anything else.
- Never invoke a tool that does not exist more than once.
- action must be exactly "none" or an exact tool name from the list above.
`, userInput))
	return sb.String()
}

func parseDecision(resp string) (Decision, error) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start == -1 || end == -1 || end < start {
		return Decision{}, fmt.Errorf("no JSON object in decision response")
	}
	var d Decision
	if err := json.Unmarshal([]byte(resp[start:end+1]), &d); err != nil {
		return Decision{}, err
	}
	if d.Action == "" {
		return Decision{}, fmt.Errorf("decision missing action")
	}
	return d, nil
}

func (c *Controller) synthesiseDirect(ctx context.Context, userInput, contextText string) (string, error) {
	style := "concise"
	if c.services.PromptPolicy != nil {
		if sel, err := c.services.PromptPolicy.Select(ctx, contextText); err == nil && sel.Arm != "" {
			style = sel.Arm
		}
	}
	llmStart := time.Now()
	prompt := fmt.Sprintf("%s\n\nRespond in a %s style to: %s", contextText, style, userInput)
	resp, err := c.services.LLM.CompleteHeavy(ctx, llm.Request{Prompt: prompt, MaxTokens: 1024})
	if m := c.services.Metrics; m != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.RecordLLMRequest("anthropic", "heavy", status, time.Since(llmStart).Seconds(), 0, 0)
	}
	if err != nil {
		return "", err
	}
	if c.services.PromptPolicy != nil {
		const reward = 0.5
		_ = c.services.PromptPolicy.UpdateWithText(ctx, style, reward, contextText)
		if m := c.services.Metrics; m != nil {
			m.RecordPolicyReward("prompt_variant", style, reward)
		}
	}
	return resp, nil
}

// isChunkWorthy reports whether a tool's result should additionally be
// broken into per-topic chunks for recall, rather than stored as one blob
// (spec §4.11 dual-write: research and financial-analysis tools qualify).
func isChunkWorthy(toolName string) bool {
	lower := strings.ToLower(toolName)
	return strings.Contains(lower, "search") || strings.Contains(lower, "research") || strings.Contains(lower, "financial")
}

// observe performs the spec §4.11 dual-write: after every non-trivial
// successful tool result it appends an episodic memory record, reconciles
// it against the most similar prior record (CONTRADICTION_CHECK), extracts
// KG triplets from it, and for research/financial tools additionally stores
// per-topic chunks. Ordering follows spec §5: OBSERVE -> WRITE memory ->
// WRITE KG -> CONTRADICTION CHECK is folded into a single sequential pass.
func (c *Controller) observe(ctx context.Context, toolName, userInput string, res *ToolResult) {
	if res == nil || res.IsError || strings.TrimSpace(res.Content) == "" {
		return
	}
	record := "User: " + userInput + "\nAgent: " + res.Content

	c.reconcile(ctx, record)

	if c.services.VectorStore != nil {
		_, _ = c.services.VectorStore.Add(ctx, record)
	}
	c.extractTriplets(ctx, userInput, res.Content)

	if isChunkWorthy(toolName) {
		c.storeChunks(ctx, res.Content)
	}
}

// reconcile implements spec §4.11 CONTRADICTION_CHECK: it searches episodic
// memory for the record most similar to the new one, marks it stale once
// older than 7 days, and asks the LLM whether the new record contradicts or
// supersedes it. The source merges whenever the LLM comes back with a
// non-null updated_knowledge field — which it does both for an explicit
// high-confidence contradiction and for plain staleness (spec §9's sole
// remaining ambiguity is that overlap, not whether reconciliation runs at
// all). On a merge the old record is deleted and the LLM-merged text takes
// its place.
func (c *Controller) reconcile(ctx context.Context, newRecord string) {
	if c.services.VectorStore == nil {
		return
	}
	hits, err := c.services.VectorStore.Search(ctx, newRecord, 1)
	if err != nil || len(hits) == 0 {
		return
	}
	prior := hits[0]
	stale := time.Since(prior.CreatedAt) > contradictionStaleAfter

	prompt := fmt.Sprintf(`Compare this prior memory with the new one. Decide whether the new memory
contradicts or supersedes it. Respond with ONLY a JSON object, no other text:
{"contradiction": true|false, "confidence": 0.0-1.0, "updated_knowledge": "<merged replacement text, or null if nothing should change>"}

Prior memory (recorded %s):
%s

New memory:
%s`, prior.CreatedAt.Format(time.RFC3339), prior.Content, newRecord)

	resp, err := c.services.LLM.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: 400})
	if err != nil {
		return
	}
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start == -1 || end == -1 || end < start {
		return
	}
	var verdict struct {
		Contradiction    bool    `json:"contradiction"`
		Confidence       float64 `json:"confidence"`
		UpdatedKnowledge *string `json:"updated_knowledge"`
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &verdict); err != nil || verdict.UpdatedKnowledge == nil {
		return
	}
	if !((verdict.Contradiction && verdict.Confidence > contradictionConfidenceMin) || stale) {
		return
	}
	if _, err := c.services.VectorStore.DeleteByContent(ctx, prior.Content); err != nil {
		c.services.Logger.Warn("controller: reconcile delete failed", "error", err)
		return
	}
	_, _ = c.services.VectorStore.Add(ctx, *verdict.UpdatedKnowledge)
}

// storeChunks breaks a research/financial tool result into per sub-topic
// memory records (spec §4.11 dual-write), so later recall retrieves a
// single relevant chunk instead of the whole result blob.
func (c *Controller) storeChunks(ctx context.Context, content string) {
	if c.services.VectorStore == nil {
		return
	}
	prompt := fmt.Sprintf(`Break the following result into its distinct sub-topics. Respond with ONLY
a JSON array of objects with keys "sub_topic" and "summary", no other text.
If it covers only one topic, return a single-element array.

Result: %s`, content)
	resp, err := c.services.LLM.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: 600})
	if err != nil {
		return
	}
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start == -1 || end == -1 || end < start {
		return
	}
	var chunks []struct {
		SubTopic string `json:"sub_topic"`
		Summary  string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &chunks); err != nil {
		return
	}
	for _, ch := range chunks {
		if ch.SubTopic == "" || ch.Summary == "" {
			continue
		}
		_, _ = c.services.VectorStore.Add(ctx, ch.SubTopic+": "+ch.Summary)
	}
}

// extractTriplets pulls subject/relation/object triplets out of a single
// observation and writes them to the knowledge graph, logging (not blocking
// on) any conflict with an existing triplet sharing the same
// subject/relation (the graph's INSERT OR IGNORE already enforces "earliest
// created_at wins" per spec §4.3). Called once per successful observation
// from observe, rather than once at end-of-turn, so the KG stays current
// even mid-turn for multi-step plans.
func (c *Controller) extractTriplets(ctx context.Context, userInput, response string) {
	if c.services.Knowledge == nil {
		return
	}
	prompt := fmt.Sprintf(`Extract factual (subject, relation, object) triplets worth remembering from this
exchange. Respond with ONLY a JSON array of objects with keys "subject", "relation", "object".
If nothing is worth remembering, respond with [].

User: %s
Assistant: %s`, userInput, response)

	resp, err := c.services.LLM.CompleteFast(ctx, llm.Request{Prompt: prompt, MaxTokens: 400})
	if err != nil {
		return
	}
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start == -1 || end == -1 || end < start {
		return
	}

	var candidates []struct{ Subject, Relation, Object string }
	if err := json.Unmarshal([]byte(resp[start:end+1]), &candidates); err != nil {
		return
	}

	triplets := make([]knowledge.Triplet, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Subject == "" || cand.Relation == "" || cand.Object == "" {
			continue
		}
		if existing, err := c.services.Knowledge.Query(ctx, cand.Subject); err == nil {
			for _, e := range existing {
				if e.Relation == cand.Relation && e.Object != cand.Object {
					c.services.Logger.Warn("controller: contradiction detected, keeping earliest triplet",
						"subject", cand.Subject, "relation", cand.Relation, "existing", e.Object, "new", cand.Object)
				}
			}
		}
		triplets = append(triplets, knowledge.Triplet{Subject: cand.Subject, Relation: cand.Relation, Object: cand.Object})
	}
	if len(triplets) > 0 {
		_, _ = c.services.Knowledge.AddTriplets(ctx, triplets)
	}
}

// reflect updates the policy bandit that chose this turn's path with a
// shaped reward and extracts any persona facts from the final answer (spec
// §4.11 REFLECT). The episodic dual-write itself happens per-observation in
// observe, not here, so REFLECT no longer writes to VectorStore directly.
func (c *Controller) reflect(ctx context.Context, contextText, response string, retries int, elapsed time.Duration) {
	reward := policy.Shape(policy.Outcome{
		LatencySeconds: elapsed.Seconds(),
		Retries:        retries,
	})
	c.services.Logger.Debug("controller: turn reward", "reward", reward, "elapsed_s", elapsed.Seconds(), "retries", retries)
	if m := c.services.Metrics; m != nil {
		m.RecordPolicyReward("turn", "overall", reward)
	}

	if c.services.Persona != nil {
		_, _ = c.services.Persona.ExtractAndAddFromMessage(ctx, response)
	}
}

func (c *Controller) record(ctx context.Context, sessionID, response string) {
	_ = c.services.Sessions.AppendMessage(ctx, sessionID, &models.Message{
		SessionID: sessionID, Role: models.RoleAssistant, Content: response, CreatedAt: time.Now(),
	})
}

func resultText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
