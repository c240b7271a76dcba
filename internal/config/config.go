package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Cortex.
type Config struct {
	Version int `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Workers   WorkersConfig   `yaml:"workers"`
	Persona   PersonaConfig   `yaml:"persona"`
	Policy    PolicyConfig    `yaml:"policy"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	CLI           CLIConfig           `yaml:"cli"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProfileConfig configures one LLM profile (heavy or fast).
type ProfileConfig struct {
	ModelID       string  `yaml:"model_id"`
	ModelFile     string  `yaml:"model_file"`
	ContextSize   int     `yaml:"context_size"`
	BatchSize     int     `yaml:"batch_size"`
	Threads       int     `yaml:"threads"`
	GPULayers     int     `yaml:"gpu_layers"`
	GPUSplit      []float64 `yaml:"gpu_split,omitempty"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
}

// LLMConfig configures the LLMClient adapters (C1).
type LLMConfig struct {
	Provider  string        `yaml:"provider"` // anthropic | openai | bedrock
	ModelCache string       `yaml:"model_cache_path"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Heavy     ProfileConfig `yaml:"heavy"`
	Fast      ProfileConfig `yaml:"fast"`
	MaxRetries int          `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// StoreConfig configures the persistence paths for the memory substrate.
type StoreConfig struct {
	EpisodicDBPath     string `yaml:"episodic_db_path"`
	KnowledgeGraphPath string `yaml:"knowledge_graph_path"`
	PersonaDBPath      string `yaml:"persona_db_path"`
	PersonalNotesDir   string `yaml:"personal_notes_dir"`
	KnowledgeNotesDir  string `yaml:"knowledge_notes_dir"`
	ResearchQueuePath  string `yaml:"research_queue_path"`
	ToolsDir           string `yaml:"tools_dir"`
	CommunityToolsDir  string `yaml:"community_tools_dir"`
	QuarantineToolsDir string `yaml:"quarantine_tools_dir"`
	EmbeddingDim       int    `yaml:"embedding_dim"`
}

// WorkersConfig configures bounded parallelism (spec.md §5).
type WorkersConfig struct {
	ContextGather   int `yaml:"context_gather"`
	ResearcherMax   int `yaml:"researcher_max_workers"`
	SummaryMax      int `yaml:"summary_max_workers"`
}

// PersonaConfig configures PersonaStore (C4).
type PersonaConfig struct {
	RetentionDays   int    `yaml:"retention_days"`
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
	DedupThreshold  float64 `yaml:"dedup_threshold"`
}

// PolicyConfig configures the two ContextualBanditPolicy instances (C8).
type PolicyConfig struct {
	ToolsDataPath   string  `yaml:"tools_data_path"`
	PromptsDataPath string  `yaml:"prompts_data_path"`
	Epsilon         float64 `yaml:"epsilon"`
	ToolsBeta       float64 `yaml:"tools_beta"`
	PromptsBeta     float64 `yaml:"prompts_beta"`
	ToolsAlpha      float64 `yaml:"tools_alpha"`
	PromptsAlpha    float64 `yaml:"prompts_alpha"`
}

// ReasoningConfig configures the ReasoningController (C11).
type ReasoningConfig struct {
	MaxSteps              int `yaml:"max_steps"`
	StuckThreshold        int `yaml:"stuck_threshold"`
	ActionHistoryCapacity int `yaml:"action_history_capacity"`
	ShortTermCapacity     int `yaml:"short_term_capacity"`
	MaxDecisionRetries    int `yaml:"max_decision_retries"`
	PlannerMaxRetries     int `yaml:"planner_max_retries"`
	StaleAfter            time.Duration `yaml:"stale_after"`
	TruncateBudgetChars   int `yaml:"truncate_budget_chars"`
}

// CLIConfig configures cmd/cortex presentation.
type CLIConfig struct {
	Colors map[string]string `yaml:"colors"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// ObservabilityConfig configures the Prometheus metrics endpoint. MetricsAddr
// left blank disables the listener entirely; the REPL still runs.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config populated with the system's documented defaults.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		LLM: LLMConfig{
			Provider:   "anthropic",
			APIKeyEnv:  "ANTHROPIC_API_KEY",
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
			Heavy: ProfileConfig{
				ContextSize: 8192, BatchSize: 512, Threads: 8,
				Temperature: 0.7, TopP: 0.9, RepeatPenalty: 1.1,
			},
			Fast: ProfileConfig{
				ContextSize: 4096, BatchSize: 256, Threads: 4,
				Temperature: 0.3, TopP: 0.9, RepeatPenalty: 1.1,
			},
		},
		Store: StoreConfig{
			EpisodicDBPath:     "data/episodic.db",
			KnowledgeGraphPath: "data/knowledge.db",
			PersonaDBPath:      "data/persona.db",
			PersonalNotesDir:   "data/personal_notes",
			KnowledgeNotesDir:  "data/knowledge_notes",
			ResearchQueuePath:  "data/research_queue.txt",
			ToolsDir:           "tools",
			CommunityToolsDir:  "tools/community_tools",
			QuarantineToolsDir: "tools/quarantine_tools",
			EmbeddingDim:       1536,
		},
		Workers: WorkersConfig{ContextGather: 3, ResearcherMax: 5, SummaryMax: 4},
		Persona: PersonaConfig{RetentionDays: 365, DedupThreshold: 0.82},
		Policy: PolicyConfig{
			ToolsDataPath:   "data/tool_policy.json",
			PromptsDataPath: "data/prompt_policy.json",
			Epsilon:         0.2, ToolsBeta: 1.0, PromptsBeta: 1.0,
			ToolsAlpha: 0.2, PromptsAlpha: 0.05,
		},
		Reasoning: ReasoningConfig{
			MaxSteps: 10, StuckThreshold: 2, ActionHistoryCapacity: 5,
			ShortTermCapacity: 20, MaxDecisionRetries: 2, PlannerMaxRetries: 3,
			StaleAfter: 7 * 24 * time.Hour, TruncateBudgetChars: 2000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, resolves $include directives in, and decodes a config file,
// falling back to documented defaults for zero-valued fields.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := Default()
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	if err := yaml.Unmarshal(payload, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment-time secrets and ports ride over the
// file-based config without forcing a templating layer.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORTEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CORTEX_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reasoning.MaxSteps = n
		}
	}
}
