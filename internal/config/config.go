// Package config loads Elefante's runtime configuration surface (spec.md
// §6): storage backend selection, lock timing, retrieval weights, namespace
// defaults, and the dedup threshold. Configuration is read from an optional
// YAML file and layered under ELEFANTE_-prefixed environment variables,
// following the teacher's getEnv/getEnvInt/getEnvBool helper pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetrievalWeights are the CognitiveRetriever's composite-score weights
// (spec.md §4.4 step 5). Fixed by default, configurable only at deploy time.
type RetrievalWeights struct {
	Vec     float64 `yaml:"vec"`
	Concept float64 `yaml:"concept"`
	Domain  float64 `yaml:"domain"`
	Co      float64 `yaml:"co"`
	Auth    float64 `yaml:"auth"`
	Time    float64 `yaml:"time"`
}

// DefaultRetrievalWeights matches spec.md §4.4 step 5 exactly.
func DefaultRetrievalWeights() RetrievalWeights {
	return RetrievalWeights{Vec: 0.30, Concept: 0.20, Domain: 0.15, Co: 0.15, Auth: 0.10, Time: 0.10}
}

// Config is Elefante's full configuration surface (spec.md §6).
type Config struct {
	// StorageBackend selects the VectorStore/GraphStore implementation:
	// "sqlite" (default) or "postgres".
	StorageBackend string `yaml:"storage_backend"`

	// DataRoot is the root directory (sqlite) or DSN (postgres) the
	// storage backend opens against.
	DataRoot string `yaml:"data_root"`

	VectorDistanceMetric string `yaml:"vector_distance_metric"`
	EmbeddingDimension   int    `yaml:"embedding_dimension"`

	LockAcquireTimeoutMS int `yaml:"lock_acquire_timeout_ms"`
	LockStaleThresholdMS int `yaml:"lock_stale_threshold_ms"`

	RetrievalWeights RetrievalWeights `yaml:"retrieval_weights"`

	DefaultNamespaceFilterOnSearch []string `yaml:"default_namespace_filter_on_search"`
	TestMemoryTags                []string `yaml:"test_memory_tags"`

	// EphemeralTTLSeconds has no default; it is required only when the
	// caller does not supply an explicit expires_at for ephemeral content.
	EphemeralTTLSeconds int `yaml:"ephemeral_ttl_seconds"`

	DedupSimilarityThreshold float64 `yaml:"dedup_similarity_threshold"`

	// ComplianceEnforced toggles the search-before-write gate (spec.md
	// §4.7). Disabling it is a deploy-time escape hatch, not a spec
	// default.
	ComplianceEnforced bool `yaml:"compliance_enforced"`
}

// Default returns spec.md §6's configuration surface with its named
// defaults.
func Default() Config {
	return Config{
		StorageBackend:                 "sqlite",
		DataRoot:                       "./data/elefante.db",
		VectorDistanceMetric:           "cosine",
		EmbeddingDimension:             0,
		LockAcquireTimeoutMS:           5000,
		LockStaleThresholdMS:           30000,
		RetrievalWeights:               DefaultRetrievalWeights(),
		DefaultNamespaceFilterOnSearch: []string{"prod"},
		TestMemoryTags:                 []string{"test", "e2e"},
		EphemeralTTLSeconds:            0,
		DedupSimilarityThreshold:       0.95,
		ComplianceEnforced:             true,
	}
}

// Load reads Config from an optional YAML file at path (skipped silently if
// path is empty or the file does not exist) and then applies
// ELEFANTE_-prefixed environment variable overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.StorageBackend = getEnv("ELEFANTE_STORAGE_BACKEND", cfg.StorageBackend)
	cfg.DataRoot = getEnv("ELEFANTE_DATA_ROOT", cfg.DataRoot)
	cfg.VectorDistanceMetric = getEnv("ELEFANTE_VECTOR_DISTANCE_METRIC", cfg.VectorDistanceMetric)
	cfg.EmbeddingDimension = getEnvInt("ELEFANTE_EMBEDDING_DIMENSION", cfg.EmbeddingDimension)

	cfg.LockAcquireTimeoutMS = getEnvInt("ELEFANTE_LOCK_ACQUIRE_TIMEOUT_MS", cfg.LockAcquireTimeoutMS)
	cfg.LockStaleThresholdMS = getEnvInt("ELEFANTE_LOCK_STALE_THRESHOLD_MS", cfg.LockStaleThresholdMS)

	cfg.RetrievalWeights.Vec = getEnvFloat("ELEFANTE_WEIGHT_VEC", cfg.RetrievalWeights.Vec)
	cfg.RetrievalWeights.Concept = getEnvFloat("ELEFANTE_WEIGHT_CONCEPT", cfg.RetrievalWeights.Concept)
	cfg.RetrievalWeights.Domain = getEnvFloat("ELEFANTE_WEIGHT_DOMAIN", cfg.RetrievalWeights.Domain)
	cfg.RetrievalWeights.Co = getEnvFloat("ELEFANTE_WEIGHT_CO", cfg.RetrievalWeights.Co)
	cfg.RetrievalWeights.Auth = getEnvFloat("ELEFANTE_WEIGHT_AUTH", cfg.RetrievalWeights.Auth)
	cfg.RetrievalWeights.Time = getEnvFloat("ELEFANTE_WEIGHT_TIME", cfg.RetrievalWeights.Time)

	cfg.DefaultNamespaceFilterOnSearch = getEnvList("ELEFANTE_DEFAULT_NAMESPACE_FILTER", cfg.DefaultNamespaceFilterOnSearch)
	cfg.TestMemoryTags = getEnvList("ELEFANTE_TEST_MEMORY_TAGS", cfg.TestMemoryTags)

	cfg.EphemeralTTLSeconds = getEnvInt("ELEFANTE_EPHEMERAL_TTL_SECONDS", cfg.EphemeralTTLSeconds)
	cfg.DedupSimilarityThreshold = getEnvFloat("ELEFANTE_DEDUP_SIMILARITY_THRESHOLD", cfg.DedupSimilarityThreshold)
	cfg.ComplianceEnforced = getEnvBool("ELEFANTE_COMPLIANCE_ENFORCED", cfg.ComplianceEnforced)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value, mirroring getEnvInt's parse-or-default behavior.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no" as
// false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated list environment variable or
// returns a default value.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
