// Package config provides unified configuration for the trustlens service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store backend types.
const (
	StoreTypeLog    = "log"
	StoreTypeSQLite = "sqlite"
)

// Checkpoint storage types.
const (
	StorageTypeLocal = "local"
	StorageTypeS3    = "s3"
)

// Config holds the unified configuration for trustlens.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Engine holds classification and aggregation settings
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Scoring holds the weights of the built-in weighted scorer
	Scoring ScoringConfig `json:"scoring" yaml:"scoring"`

	// Store configures the durable event store
	Store StoreConfig `json:"store" yaml:"store"`

	// Checkpoint configures aggregate checkpoints
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`

	// Schedule holds cron expressions for periodic maintenance
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Notify configures change-notification fan-out
	Notify NotifyConfig `json:"notify" yaml:"notify"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// EngineConfig holds the recognized engine options.
type EngineConfig struct {
	// ActionThresholds maps trust scores to actions
	ActionThresholds ThresholdConfig `json:"action_thresholds" yaml:"action_thresholds"`

	// RetentionDays is how many daily rollups the trend index keeps (also the max trend window)
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// AverageRoundingPrecision is the number of decimals in reported averages
	AverageRoundingPrecision int `json:"average_rounding_precision" yaml:"average_rounding_precision"`

	// MaxRecordAttempts bounds internal retries of a conflicting aggregate update
	MaxRecordAttempts int `json:"max_record_attempts" yaml:"max_record_attempts"`

	// RecordBackoff is the base backoff between conflicting aggregate updates
	RecordBackoff time.Duration `json:"record_backoff" yaml:"record_backoff"`

	// RedeliveryInterval is how often events whose aggregation failed are retried
	RedeliveryInterval time.Duration `json:"redelivery_interval" yaml:"redelivery_interval"`
}

// ThresholdConfig holds the inclusive upper bounds of the blocked and warned bands.
type ThresholdConfig struct {
	BlockedMax float64 `json:"blocked_max" yaml:"blocked_max"`
	WarnedMax  float64 `json:"warned_max" yaml:"warned_max"`
}

// ScoringConfig holds the weighted scorer parameters.
type ScoringConfig struct {
	BaseScore                 float64 `json:"base_score" yaml:"base_score"`
	HallucinationWeight       float64 `json:"hallucination_weight" yaml:"hallucination_weight"`
	GroundingWeight           float64 `json:"grounding_weight" yaml:"grounding_weight"`
	MediumRiskPenalty         float64 `json:"medium_risk_penalty" yaml:"medium_risk_penalty"`
	HighRiskPenalty           float64 `json:"high_risk_penalty" yaml:"high_risk_penalty"`
	CriticalRiskPenalty       float64 `json:"critical_risk_penalty" yaml:"critical_risk_penalty"`
	NumberConflictPenalty     float64 `json:"number_conflict_penalty" yaml:"number_conflict_penalty"`
	ConfidenceMismatchPenalty float64 `json:"confidence_mismatch_penalty" yaml:"confidence_mismatch_penalty"`
	SemanticRiskPenalty       float64 `json:"semantic_risk_penalty" yaml:"semantic_risk_penalty"`
}

// StoreConfig holds event store configuration.
type StoreConfig struct {
	// Type is the backend: log, sqlite
	Type string `json:"type" yaml:"type"`

	// Dir is the directory of the append-only log (log type)
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentBytes rotates log segments past this size
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`

	// SQLitePath is the database file (sqlite type)
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// WriteTimeout bounds a single durable append
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// CheckpointConfig holds checkpoint configuration.
type CheckpointConfig struct {
	// Enabled controls whether checkpoints are written and loaded
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Prefix is the object path prefix for checkpoint objects
	Prefix string `json:"prefix" yaml:"prefix"`

	// Keep is how many checkpoints are retained
	Keep int `json:"keep" yaml:"keep"`

	// Storage selects where checkpoints live
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// ScheduleConfig holds cron specs (seconds field first).
type ScheduleConfig struct {
	// Evict runs trend index eviction
	Evict string `json:"evict" yaml:"evict"`

	// Checkpoint writes an aggregate checkpoint
	Checkpoint string `json:"checkpoint" yaml:"checkpoint"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// AllowedOrigins lists CORS origins ("*" allows any)
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// AccessLog writes combined-format access logs to stdout
	AccessLog bool `json:"access_log" yaml:"access_log"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// NotifyConfig holds notification fan-out configuration.
type NotifyConfig struct {
	// BufferSize is the per-subscriber channel buffer
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// Kafka forwards notifications to a topic
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig holds Kafka sink configuration.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics on the HTTP server
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/trustlens",
		Engine: EngineConfig{
			ActionThresholds: ThresholdConfig{
				BlockedMax: 49,
				WarnedMax:  74,
			},
			RetentionDays:            30,
			AverageRoundingPrecision: 2,
			MaxRecordAttempts:        5,
			RecordBackoff:            time.Millisecond,
			RedeliveryInterval:       5 * time.Second,
		},
		Scoring: DefaultScoringConfig(),
		Store: StoreConfig{
			Type:            StoreTypeLog,
			MaxSegmentBytes: 64 * 1024 * 1024,
			WriteTimeout:    5 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Prefix:  "checkpoints",
			Keep:    3,
			Storage: StorageConfig{
				Type: StorageTypeLocal,
			},
		},
		Schedule: ScheduleConfig{
			Evict:      "0 5 0 * * *",
			Checkpoint: "0 */5 * * * *",
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			AccessLog:      true,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
			Kafka: KafkaConfig{
				Topic: "trustlens.aggregates",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultScoringConfig returns the stock penalty weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		BaseScore:                 100,
		HallucinationWeight:       50,
		GroundingWeight:           30,
		MediumRiskPenalty:         8,
		HighRiskPenalty:           15,
		CriticalRiskPenalty:       25,
		NumberConflictPenalty:     15,
		ConfidenceMismatchPenalty: 12,
		SemanticRiskPenalty:       15,
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/trustlens"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.DataDir, "events")
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "events.db")
	}
	if c.Checkpoint.Storage.Path == "" {
		c.Checkpoint.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	t := c.Engine.ActionThresholds
	if t.BlockedMax < 0 || t.WarnedMax > 100 || t.BlockedMax >= t.WarnedMax {
		return fmt.Errorf("engine.action_thresholds must satisfy 0 <= blocked_max < warned_max <= 100, got blocked_max=%v warned_max=%v", t.BlockedMax, t.WarnedMax)
	}
	if c.Engine.RetentionDays < 1 || c.Engine.RetentionDays > 365 {
		return fmt.Errorf("engine.retention_days must be between 1 and 365, got %d", c.Engine.RetentionDays)
	}
	if c.Engine.AverageRoundingPrecision < 0 || c.Engine.AverageRoundingPrecision > 6 {
		return fmt.Errorf("engine.average_rounding_precision must be between 0 and 6, got %d", c.Engine.AverageRoundingPrecision)
	}
	if c.Engine.MaxRecordAttempts < 1 {
		return fmt.Errorf("engine.max_record_attempts must be at least 1")
	}

	if err := c.Scoring.Validate(); err != nil {
		return err
	}

	if c.Store.Type != StoreTypeLog && c.Store.Type != StoreTypeSQLite {
		return fmt.Errorf("invalid store type: %s (must be log or sqlite)", c.Store.Type)
	}
	if c.Store.Type == StoreTypeLog && c.Store.MaxSegmentBytes < 1024 {
		return fmt.Errorf("store.max_segment_bytes must be at least 1024")
	}

	if c.Checkpoint.Enabled {
		st := c.Checkpoint.Storage
		if st.Type != StorageTypeLocal && st.Type != StorageTypeS3 {
			return fmt.Errorf("invalid checkpoint storage type: %s (must be local or s3)", st.Type)
		}
		if st.Type == StorageTypeS3 && st.S3.Bucket == "" {
			return fmt.Errorf("checkpoint.storage.s3.bucket is required when storage type is s3")
		}
		if c.Checkpoint.Keep < 1 {
			return fmt.Errorf("checkpoint.keep must be at least 1")
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{"schedule.evict": c.Schedule.Evict, "schedule.checkpoint": c.Schedule.Checkpoint} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers is required when kafka is enabled")
		}
		if strings.TrimSpace(c.Notify.Kafka.Topic) == "" {
			return fmt.Errorf("notify.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

// Validate rejects negative weights.
func (s ScoringConfig) Validate() error {
	if s.BaseScore < 0 || s.BaseScore > 200 {
		return fmt.Errorf("scoring.base_score must be between 0 and 200, got %v", s.BaseScore)
	}
	for name, v := range map[string]float64{
		"hallucination_weight":        s.HallucinationWeight,
		"grounding_weight":            s.GroundingWeight,
		"medium_risk_penalty":         s.MediumRiskPenalty,
		"high_risk_penalty":           s.HighRiskPenalty,
		"critical_risk_penalty":       s.CriticalRiskPenalty,
		"number_conflict_penalty":     s.NumberConflictPenalty,
		"confidence_mismatch_penalty": s.ConfidenceMismatchPenalty,
		"semantic_risk_penalty":       s.SemanticRiskPenalty,
	} {
		if v < 0 {
			return fmt.Errorf("scoring.%s cannot be negative", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TRUSTLENS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TRUSTLENS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Engine configuration
	if v := os.Getenv("TRUSTLENS_BLOCKED_MAX"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Engine.ActionThresholds.BlockedMax)
	}
	if v := os.Getenv("TRUSTLENS_WARNED_MAX"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Engine.ActionThresholds.WarnedMax)
	}
	if v := os.Getenv("TRUSTLENS_RETENTION_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.RetentionDays)
	}
	if v := os.Getenv("TRUSTLENS_AVERAGE_ROUNDING_PRECISION"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.AverageRoundingPrecision)
	}

	// Store configuration
	if v := os.Getenv("TRUSTLENS_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("TRUSTLENS_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("TRUSTLENS_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}

	// HTTP / gRPC configuration
	if v := os.Getenv("TRUSTLENS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TRUSTLENS_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTLENS_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("TRUSTLENS_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Checkpoint configuration
	if v := os.Getenv("TRUSTLENS_CHECKPOINT_ENABLED"); v != "" {
		cfg.Checkpoint.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRUSTLENS_CHECKPOINT_STORAGE_TYPE"); v != "" {
		cfg.Checkpoint.Storage.Type = v
	}
	if v := os.Getenv("TRUSTLENS_S3_BUCKET"); v != "" {
		cfg.Checkpoint.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TRUSTLENS_S3_REGION"); v != "" {
		cfg.Checkpoint.Storage.S3.Region = v
	}
	if v := os.Getenv("TRUSTLENS_S3_ENDPOINT"); v != "" {
		cfg.Checkpoint.Storage.S3.Endpoint = v
	}

	// Schedule configuration
	if v := os.Getenv("TRUSTLENS_SCHEDULE_EVICT"); v != "" {
		cfg.Schedule.Evict = v
	}
	if v := os.Getenv("TRUSTLENS_SCHEDULE_CHECKPOINT"); v != "" {
		cfg.Schedule.Checkpoint = v
	}

	// Notification configuration
	if v := os.Getenv("TRUSTLENS_KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = splitList(v)
		cfg.Notify.Kafka.Enabled = true
	}
	if v := os.Getenv("TRUSTLENS_KAFKA_TOPIC"); v != "" {
		cfg.Notify.Kafka.Topic = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Store.Type == StoreTypeLog {
		dirs = append(dirs, c.Store.Dir)
	}
	if c.Checkpoint.Storage.Type == StorageTypeLocal {
		dirs = append(dirs, c.Checkpoint.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
