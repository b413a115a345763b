// Package config defines the memory engine's configuration surface
// (SPEC_FULL.md §6). Loading it from a real process's flags/env is left
// to callers (e.g. cmd/server) — the loader itself is an external
// collaborator per spec.md §1, not part of the core.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MergeStrategy selects how the path-expansion engine merges converging
// paths that reach the same node.
type MergeStrategy string

const (
	MergeWeightedGeometric MergeStrategy = "weighted_geometric"
	MergeMaxBonus          MergeStrategy = "max_bonus"
)

// OverflowStrategy selects how the Short-Term manager disposes of
// memories once it reaches the transfer trigger.
type OverflowStrategy string

const (
	OverflowTransferAll       OverflowStrategy = "transfer_all"
	OverflowSelectiveCleanup  OverflowStrategy = "selective_cleanup"
)

// FinalScoringWeights is the (w_path, w_importance, w_recency) triple
// from SPEC_FULL.md §4.4.
type FinalScoringWeights struct {
	Path       float64 `yaml:"path"`
	Importance float64 `yaml:"importance"`
	Recency    float64 `yaml:"recency"`
}

// Config is the full recognized configuration surface.
type Config struct {
	// Perceptual (Tier 1)
	PerceptualMaxBlocks         int     `yaml:"perceptual_max_blocks"`
	PerceptualBlockSize         int     `yaml:"perceptual_block_size"`
	PerceptualActivationThresh  int     `yaml:"perceptual_activation_threshold"`
	PerceptualRecallThreshold   float64 `yaml:"perceptual_recall_threshold"`

	// Short-Term (Tier 2)
	ShortTermMax               int              `yaml:"short_term_max"`
	ShortTermTransferThreshold float64          `yaml:"short_term_transfer_threshold"`
	ShortTermOverflowStrategy  OverflowStrategy `yaml:"short_term_overflow_strategy"`
	ShortTermEnableForceClean  bool             `yaml:"short_term_enable_force_cleanup"`
	ShortTermCleanupKeepRatio  float64          `yaml:"short_term_cleanup_keep_ratio"`

	// Long-Term (Tier 3)
	LongTermBatchSize           int           `yaml:"long_term_batch_size"`
	LongTermDecayFactor         float64       `yaml:"long_term_decay_factor"`
	LongTermAutoTransferInterval time.Duration `yaml:"long_term_auto_transfer_interval"`
	EmbedBatchSize               int          `yaml:"embed_batch_size"`
	EmbedDim                     int          `yaml:"embed_dim"`
	ConsolidationInterval        time.Duration `yaml:"consolidation_interval"`

	// Search / Judge
	SearchTopK               int     `yaml:"search_top_k"`
	SearchSimilarityThreshold float64 `yaml:"search_similarity_threshold"`
	JudgeConfidenceThreshold  float64 `yaml:"judge_confidence_threshold"`
	ManualQueryWeightDecay    float64 `yaml:"manual_query_weight_decay"`

	// Path expansion
	MaxHops              int                 `yaml:"max_hops"`
	DampingFactor        float64             `yaml:"damping_factor"`
	MaxBranchesPerNode   int                 `yaml:"max_branches_per_node"`
	MergeStrategy        MergeStrategy       `yaml:"merge_strategy"`
	PruningThreshold     float64             `yaml:"pruning_threshold"`
	EdgeTypeWeights      map[string]float64  `yaml:"edge_type_weights"`
	FinalScoringWeights  FinalScoringWeights `yaml:"final_scoring_weights"`

	// Gateway concurrency / timeouts
	LLMMaxInflight     int           `yaml:"llm_max_inflight"`
	EmbedMaxInflight   int           `yaml:"embed_max_inflight"`
	LLMTimeout         time.Duration `yaml:"llm_timeout"`
	EmbedTimeout       time.Duration `yaml:"embed_timeout"`
	MaxRetry           int           `yaml:"max_retry"`
	InterestMatchTimeout time.Duration `yaml:"interest_match_timeout"`

	// Persistence
	DataDir string `yaml:"data_dir"`
}

// Default returns the documented defaults from spec.md §6.
func Default() Config {
	return Config{
		PerceptualMaxBlocks:        50,
		PerceptualBlockSize:        5,
		PerceptualActivationThresh: 3,
		PerceptualRecallThreshold:  0.55,

		ShortTermMax:               30,
		ShortTermTransferThreshold: 0.6,
		ShortTermOverflowStrategy:  OverflowTransferAll,
		ShortTermEnableForceClean:  true,
		ShortTermCleanupKeepRatio:  0.9,

		LongTermBatchSize:            10,
		LongTermDecayFactor:          0.95,
		LongTermAutoTransferInterval: 180 * time.Second,
		EmbedBatchSize:               16,
		EmbedDim:                     256,
		ConsolidationInterval:        5 * time.Minute,

		SearchTopK:                10,
		SearchSimilarityThreshold: 0.6,
		JudgeConfidenceThreshold:  0.7,
		ManualQueryWeightDecay:    0.1,

		MaxHops:            2,
		DampingFactor:      0.85,
		MaxBranchesPerNode: 10,
		MergeStrategy:      MergeWeightedGeometric,
		PruningThreshold:   0.3,
		EdgeTypeWeights: map[string]float64{
			"reference":     0.6,
			"attribute":     0.7,
			"has_property":  0.7,
			"relation":      1.0,
			"temporal":      0.8,
			"core_relation": 1.2,
			"default":       0.5,
		},
		FinalScoringWeights: FinalScoringWeights{Path: 0.6, Importance: 0.25, Recency: 0.15},

		LLMMaxInflight:       4,
		EmbedMaxInflight:     8,
		LLMTimeout:           60 * time.Second,
		EmbedTimeout:         15 * time.Second,
		MaxRetry:             3,
		InterestMatchTimeout: 1500 * time.Millisecond,

		DataDir: "data/memory_graph",
	}
}

// Load reads an optional YAML file on top of Default(); a missing file
// is not an error (the defaults stand).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvOverrides mirrors the teacher's getenv/getenvInt/getenvBool
// helpers, letting operators override individual fields without a file.
func (c *Config) ApplyEnvOverrides() {
	c.DataDir = getenv("MNEMOS_DATA_DIR", c.DataDir)
	c.ShortTermMax = getenvInt("MNEMOS_SHORT_TERM_MAX", c.ShortTermMax)
	c.PerceptualBlockSize = getenvInt("MNEMOS_BLOCK_SIZE", c.PerceptualBlockSize)
	c.SearchTopK = getenvInt("MNEMOS_SEARCH_TOP_K", c.SearchTopK)
	c.LongTermAutoTransferInterval = getenvDuration("MNEMOS_AUTO_TRANSFER_INTERVAL", c.LongTermAutoTransferInterval)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
