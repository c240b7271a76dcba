// Command cortex is the REPL entrypoint for the reasoning agent, grounded in
// the teacher's cmd/nexus CLI (cobra root command + slash-prefixed
// sub-commands dispatched from a single read loop).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/semih2482/cortex/internal/agent"
	"github.com/semih2482/cortex/internal/config"
	"github.com/semih2482/cortex/internal/llm"
	"github.com/semih2482/cortex/internal/memory/knowledge"
	"github.com/semih2482/cortex/internal/memory/persona"
	"github.com/semih2482/cortex/internal/memory/personal"
	"github.com/semih2482/cortex/internal/memory/vectorstore"
	"github.com/semih2482/cortex/internal/observability"
	"github.com/semih2482/cortex/internal/planner"
	"github.com/semih2482/cortex/internal/policy"
	"github.com/semih2482/cortex/internal/sessions"
	"github.com/semih2482/cortex/internal/toolcreator"
	"github.com/semih2482/cortex/internal/tools/codeauditor"
	"github.com/semih2482/cortex/internal/tools/facts"
	"github.com/semih2482/cortex/internal/tools/intentdetector"
	"github.com/semih2482/cortex/internal/tools/reviewapprove"
	"github.com/semih2482/cortex/internal/tools/scratchpad"
)

func main() {
	root := &cobra.Command{
		Use:   "cortex",
		Short: "Cortex is a reasoning agent with a dual-memory substrate and a self-extending toolset.",
		RunE:  runREPL,
	}
	root.Flags().String("config", "cortex.yaml", "path to the configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cortex:", err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, registry, cleanup, err := wireServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer cleanup()

	startMetricsServer(cfg.Observability, logger)

	controller := agent.NewController(services, agent.ControllerConfig{
		MaxSteps:       cfg.Reasoning.MaxSteps,
		StuckThreshold: cfg.Reasoning.StuckThreshold,
	})

	fmt.Println("cortex ready. Type your message, or q|quit|exit to leave.")
	return repl(ctx, os.Stdin, os.Stdout, services, registry, controller, cfg)
}

// wireServices builds every subsystem named in the Services struct and
// returns a cleanup func that closes the durable stores in reverse order.
func wireServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Services, *agent.ToolRegistry, func(), error) {
	heavy, fast, err := buildLLMClients(cfg.LLM)
	if err != nil {
		return nil, nil, nil, err
	}
	llmServices := llm.NewServices(heavy, fast)

	vs, err := vectorstore.Open(ctx, cfg.Store.EpisodicDBPath, fast)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	kg, err := knowledge.Open(ctx, cfg.Store.KnowledgeGraphPath, fast)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open knowledge graph: %w", err)
	}
	var encryptionKey []byte
	if v := os.Getenv(cfg.Persona.EncryptionKeyEnv); v != "" {
		encryptionKey = []byte(v)
	}
	personaStore, err := persona.Open(ctx, cfg.Store.PersonaDBPath, fast, persona.Config{
		DedupThreshold: cfg.Persona.DedupThreshold,
		Retention:      time.Duration(cfg.Persona.RetentionDays) * 24 * time.Hour,
		EncryptionKey:  encryptionKey,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open persona store: %w", err)
	}
	personalStore, err := personal.Open(ctx, cfg.Store.PersonalNotesDir+"/notes.db", cfg.Store.ResearchQueuePath, fast)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open personal store: %w", err)
	}

	registry := agent.NewToolRegistry(logger)
	registry.Register(facts.NewExtractTool(20))
	scratch := scratchpad.New()
	registry.Register(scratchpad.NewTool(scratch))
	registry.Register(reviewapprove.New(registry))
	auditor := codeauditor.New(llmServices)
	registry.Register(auditor)

	creator := toolcreator.New(llmServices, cfg.Store.QuarantineToolsDir, auditor)

	plan := planner.New(llmServices, agent.NewPlannerExecutor(registry), cfg.Reasoning.PlannerMaxRetries)

	toolPolicy, err := policy.Open(cfg.Policy.ToolsDataPath, registry.Names(), policy.Options{
		Epsilon: cfg.Policy.Epsilon, Beta: cfg.Policy.ToolsBeta, Rule: policy.DefaultToolUpdateRule, Embedder: fast,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open tool policy: %w", err)
	}
	promptPolicy, err := policy.Open(cfg.Policy.PromptsDataPath, []string{"concise", "detailed", "empathetic"}, policy.Options{
		Epsilon: cfg.Policy.Epsilon, Beta: cfg.Policy.PromptsBeta, Rule: policy.DefaultPromptUpdateRule, Embedder: fast,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open prompt policy: %w", err)
	}

	intent := intentdetector.New(fast, intentdetector.DefaultExamples())
	_ = intent.Prepare(ctx)

	_ = creator // retained on Services via the review/approve + tool_creation flow inside the Planner

	services := &agent.Services{
		LLM:          llmServices,
		Sessions:     sessions.NewMemoryStore(),
		VectorStore:  vs,
		Knowledge:    kg,
		Persona:      personaStore,
		Personal:     personalStore,
		Registry:     registry,
		ToolPolicy:   toolPolicy,
		PromptPolicy: promptPolicy,
		Planner:      plan,
		Scratchpad:   scratch,
		Intent:       intent,
		Logger:       logger,
		Metrics:      observability.NewMetrics(),
	}

	reload := func() {
		logger.Info("tool registry: reload requested", "tools", registry.Names())
	}
	if err := registry.WatchDirs([]string{cfg.Store.ToolsDir, cfg.Store.CommunityToolsDir, cfg.Store.QuarantineToolsDir}, reload); err != nil {
		logger.Warn("tool registry: filesystem watch unavailable", "error", err)
	}

	cleanup := func() {
		_ = vs.Close()
		_ = kg.Close()
		_ = personaStore.Close()
		_ = personalStore.Close()
		_ = registry.Close()
	}
	return services, registry, cleanup, nil
}

func buildLLMClients(cfg config.LLMConfig) (llm.Client, llm.Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	heavy, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: cfg.Heavy.ModelID,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build heavy client: %w", err)
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	fast, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:       openAIKey,
		DefaultModel: cfg.Fast.ModelID,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build fast client: %w", err)
	}
	return heavy, fast, nil
}

// newLogger builds the process-wide *slog.Logger, wrapped in
// observability.RedactingHandler so API keys and tokens that find their way
// into a log arg (an LLM error body, a tool's raw output) never reach
// stderr verbatim.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(observability.RedactingHandler(handler))
}

// startMetricsServer exposes the Prometheus registry at /metrics, grounded
// in the teacher's gateway.startHTTPServer pattern trimmed to the one route
// this single-process CLI agent needs. A blank MetricsAddr leaves it off.
func startMetricsServer(cfg config.ObservabilityConfig, logger *slog.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server: stopped", "error", err)
		}
	}()
	logger.Info("metrics server: listening", "addr", cfg.MetricsAddr)
}

const sessionID = "cli-default"

func repl(ctx context.Context, in *os.File, out *os.File, services *agent.Services, registry *agent.ToolRegistry, controller *agent.Controller, cfg *config.Config) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "q" || line == "quit" || line == "exit":
			return nil
		case line == "/reload":
			fmt.Fprintln(out, "registered tools:", strings.Join(registry.Names(), ", "))
			continue
		case strings.HasPrefix(line, "/ozetle_hafiza"):
			handleSummarizeMemory(ctx, out, services)
			continue
		case strings.HasPrefix(line, "/ozetle "):
			handleSummarizeFile(ctx, out, services, strings.TrimPrefix(line, "/ozetle "))
			continue
		case strings.HasPrefix(line, "/notlarim"):
			handleMyNotes(ctx, out, services, strings.TrimSpace(strings.TrimPrefix(line, "/notlarim")))
			continue
		case line == "/konularim":
			handleMyTopics(ctx, out, services)
			continue
		case line == "/felsefe":
			handlePhilosophy(ctx, out, services)
			continue
		case strings.HasPrefix(line, "/not "):
			handleAddNote(ctx, out, services, strings.TrimPrefix(line, "/not "))
			continue
		}

		turnCtx, cancel := withInterruptWatch(ctx, in)
		reply, err := controller.Turn(turnCtx, sessionID, line)
		cancel()
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

// withInterruptWatch cancels the returned context if the user presses Esc
// while a turn is in flight and stdin is an interactive terminal (spec
// §4.11 INTERRUPT_CHECK). Non-terminal input (pipes, tests) is left alone.
func withInterruptWatch(parent context.Context, in *os.File) (context.Context, context.CancelFunc) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return context.WithCancel(parent)
	}

	ctx, cancel := context.WithCancel(parent)
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return ctx, cancel
	}

	done := make(chan struct{})
	go func() {
		defer term.Restore(fd, oldState)
		buf := make([]byte, 1)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := in.Read(buf)
			if err != nil {
				return
			}
			if n > 0 && buf[0] == 0x1b { // Esc
				cancel()
				return
			}
		}
	}()

	return ctx, func() {
		close(done)
		cancel()
	}
}

func handleSummarizeFile(ctx context.Context, out *os.File, services *agent.Services, path string) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	summary, err := services.LLM.CompleteFast(ctx, llm.Request{
		Prompt:    "Summarize the following file concisely:\n\n" + string(data),
		MaxTokens: 500,
	})
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, summary)
}

func handleSummarizeMemory(ctx context.Context, out *os.File, services *agent.Services) {
	if services.Persona == nil {
		fmt.Fprintln(out, "persona store not available")
		return
	}
	summary, err := services.Persona.SummarizePersona(ctx, 1200)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, summary)
}

func handleMyNotes(ctx context.Context, out *os.File, services *agent.Services, topic string) {
	if services.Personal == nil {
		fmt.Fprintln(out, "personal store not available")
		return
	}
	hits, err := services.Personal.Search(ctx, "", 50, topic)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "no notes found")
		return
	}
	for _, h := range hits {
		fmt.Fprintf(out, "[%s] %s\n", h.Note.Topic, h.Note.Text)
	}
}

func handleMyTopics(ctx context.Context, out *os.File, services *agent.Services) {
	if services.Personal == nil {
		fmt.Fprintln(out, "personal store not available")
		return
	}
	topics, err := services.Personal.Topics(ctx)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, strings.Join(topics, ", "))
}

func handlePhilosophy(ctx context.Context, out *os.File, services *agent.Services) {
	if services.Knowledge == nil {
		fmt.Fprintln(out, "knowledge graph not available")
		return
	}
	text, err := services.Knowledge.QueryAsText(ctx, "the user's values, principles, and worldview")
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, text)
}

func handleAddNote(ctx context.Context, out *os.File, services *agent.Services, rest string) {
	if services.Personal == nil {
		fmt.Fprintln(out, "personal store not available")
		return
	}
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		fmt.Fprintln(out, "usage: /not <topic> <content>")
		return
	}
	id, err := services.Personal.Add(ctx, parts[1], parts[0], nil, personal.AddOptions{})
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintln(out, "saved note", id)
}
