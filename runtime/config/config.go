// Package config resolves the coordinator's option surface from three layers
// in increasing precedence: a YAML file, RETRODICT_-prefixed environment
// variables, and explicit run-submit arguments applied by the caller last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid reports a configuration that fails validation. Fatal at startup.
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix is prepended to the upper-snake option name for environment
// overrides, e.g. max_workers → RETRODICT_MAX_WORKERS.
const EnvPrefix = "RETRODICT_"

type (
	// Duration wraps time.Duration with YAML decoding from strings like
	// "250ms" or bare integers (seconds).
	Duration time.Duration

	// S3 configures the object-store backend and results uploader.
	S3 struct {
		Enabled bool   `yaml:"enabled"`
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
		Region  string `yaml:"region"`
	}

	// Mongo configures the durable audit-trail backend.
	Mongo struct {
		Enabled  bool   `yaml:"enabled"`
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Pulse configures progress-event streaming over Redis.
	Pulse struct {
		Enabled   bool   `yaml:"enabled"`
		RedisAddr string `yaml:"redis_addr"`
		Stream    string `yaml:"stream"`
	}

	// Temporal configures the distributed dispatch backend.
	Temporal struct {
		Enabled   bool   `yaml:"enabled"`
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// Config is the resolved option surface.
	Config struct {
		MaxWorkers              int      `yaml:"max_workers"`
		BatchWindow             Duration `yaml:"batch_window"`
		BatchStep               Duration `yaml:"batch_step"`
		QueueDepth              int      `yaml:"queue_depth"`
		BatchTimeout            Duration `yaml:"batch_timeout"`
		MaxRetries              int      `yaml:"max_retries"`
		RetryBaseDelay          Duration `yaml:"retry_base_delay"`
		MinSuccessRatio         float64  `yaml:"min_success_ratio"`
		MinSampleBatches        int      `yaml:"min_sample_batches"`
		CacheBytes              int64    `yaml:"cache_bytes"`
		PrefetchBlocks          int      `yaml:"prefetch_blocks"`
		MetricsQueueSize        int      `yaml:"metrics_queue_size"`
		MetricsDropPolicy       string   `yaml:"metrics_drop_policy"`
		TrustFlushThreshold     int      `yaml:"trust_flush_threshold"`
		TrustFlushInterval      Duration `yaml:"trust_flush_interval"`
		TrustHalfLifeTurns      float64  `yaml:"trust_half_life_turns"`
		CheckpointIntervalTurns int64    `yaml:"checkpoint_interval_turns"`
		CurriculumEnabled       bool     `yaml:"curriculum_enabled"`
		RemoteResultsURI        string   `yaml:"remote_results_uri"`

		DatasetID  string   `yaml:"dataset_id"`
		DataDir    string   `yaml:"data_dir"`
		ResultsDir string   `yaml:"results_dir"`
		AuditDir   string   `yaml:"audit_dir"`
		RuleFiles  []string `yaml:"rule_files"`

		S3       S3       `yaml:"s3"`
		Mongo    Mongo    `yaml:"mongo"`
		Pulse    Pulse    `yaml:"pulse"`
		Temporal Temporal `yaml:"temporal"`
	}
)

// UnmarshalYAML decodes "1h30m" strings and bare integer seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("%w: duration node: %v", ErrInvalid, err)
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalid, raw)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no layer overrides it.
func Default() Config {
	return Config{
		BatchWindow:             Duration(24 * time.Hour),
		QueueDepth:              64,
		MaxRetries:              3,
		RetryBaseDelay:          Duration(100 * time.Millisecond),
		CacheBytes:              256 << 20,
		PrefetchBlocks:          2,
		MetricsQueueSize:        1024,
		MetricsDropPolicy:       "drop_oldest",
		TrustFlushThreshold:     256,
		TrustFlushInterval:      Duration(time.Second),
		CheckpointIntervalTurns: 64,
		CurriculumEnabled:       true,
		DatasetID:               "observations",
		DataDir:                 "data",
		ResultsDir:              "results",
		AuditDir:                "audit",
	}
}

// Load resolves the file and environment layers: defaults, then the YAML
// file (optional, missing file ignored when path is empty), then the
// process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays RETRODICT_-prefixed variables. The lookup function is a
// parameter so tests never mutate the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var err error
	overlay := func(key string, apply func(string) error) {
		if err != nil {
			return
		}
		if v, ok := lookup(EnvPrefix + key); ok {
			if aerr := apply(v); aerr != nil {
				err = fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, key, aerr)
			}
		}
	}

	overlay("MAX_WORKERS", intInto(&c.MaxWorkers))
	overlay("BATCH_WINDOW", durationInto(&c.BatchWindow))
	overlay("BATCH_STEP", durationInto(&c.BatchStep))
	overlay("QUEUE_DEPTH", intInto(&c.QueueDepth))
	overlay("BATCH_TIMEOUT", durationInto(&c.BatchTimeout))
	overlay("MAX_RETRIES", intInto(&c.MaxRetries))
	overlay("RETRY_BASE_DELAY", durationInto(&c.RetryBaseDelay))
	overlay("MIN_SUCCESS_RATIO", floatInto(&c.MinSuccessRatio))
	overlay("MIN_SAMPLE_BATCHES", intInto(&c.MinSampleBatches))
	overlay("CACHE_BYTES", int64Into(&c.CacheBytes))
	overlay("PREFETCH_BLOCKS", intInto(&c.PrefetchBlocks))
	overlay("METRICS_QUEUE_SIZE", intInto(&c.MetricsQueueSize))
	overlay("METRICS_DROP_POLICY", stringInto(&c.MetricsDropPolicy))
	overlay("TRUST_FLUSH_THRESHOLD", intInto(&c.TrustFlushThreshold))
	overlay("TRUST_FLUSH_INTERVAL", durationInto(&c.TrustFlushInterval))
	overlay("TRUST_HALF_LIFE_TURNS", floatInto(&c.TrustHalfLifeTurns))
	overlay("CHECKPOINT_INTERVAL_TURNS", int64Into(&c.CheckpointIntervalTurns))
	overlay("CURRICULUM_ENABLED", boolInto(&c.CurriculumEnabled))
	overlay("REMOTE_RESULTS_URI", stringInto(&c.RemoteResultsURI))
	overlay("DATASET_ID", stringInto(&c.DatasetID))
	overlay("DATA_DIR", stringInto(&c.DataDir))
	overlay("RESULTS_DIR", stringInto(&c.ResultsDir))
	overlay("AUDIT_DIR", stringInto(&c.AuditDir))
	return err
}

// Validate enforces the option invariants. Violations are fatal at startup.
func (c Config) Validate() error {
	switch {
	case c.MaxWorkers < 0:
		return fmt.Errorf("%w: max_workers %d", ErrInvalid, c.MaxWorkers)
	case c.BatchWindow <= 0:
		return fmt.Errorf("%w: batch_window %v", ErrInvalid, c.BatchWindow.Std())
	case c.BatchStep < 0:
		return fmt.Errorf("%w: batch_step %v", ErrInvalid, c.BatchStep.Std())
	case c.QueueDepth < 1:
		return fmt.Errorf("%w: queue_depth %d", ErrInvalid, c.QueueDepth)
	case c.BatchTimeout < 0:
		return fmt.Errorf("%w: batch_timeout %v", ErrInvalid, c.BatchTimeout.Std())
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max_retries %d", ErrInvalid, c.MaxRetries)
	case c.MinSuccessRatio < 0 || c.MinSuccessRatio > 1:
		return fmt.Errorf("%w: min_success_ratio %v", ErrInvalid, c.MinSuccessRatio)
	case c.MinSampleBatches < 0:
		return fmt.Errorf("%w: min_sample_batches %d", ErrInvalid, c.MinSampleBatches)
	case c.CacheBytes < 0:
		return fmt.Errorf("%w: cache_bytes %d", ErrInvalid, c.CacheBytes)
	case c.PrefetchBlocks < 0:
		return fmt.Errorf("%w: prefetch_blocks %d", ErrInvalid, c.PrefetchBlocks)
	case c.MetricsQueueSize < 1:
		return fmt.Errorf("%w: metrics_queue_size %d", ErrInvalid, c.MetricsQueueSize)
	case c.TrustFlushThreshold < 1:
		return fmt.Errorf("%w: trust_flush_threshold %d", ErrInvalid, c.TrustFlushThreshold)
	case c.TrustHalfLifeTurns < 0:
		return fmt.Errorf("%w: trust_half_life_turns %v", ErrInvalid, c.TrustHalfLifeTurns)
	case c.CheckpointIntervalTurns < 1:
		return fmt.Errorf("%w: checkpoint_interval_turns %d", ErrInvalid, c.CheckpointIntervalTurns)
	case c.DatasetID == "":
		return fmt.Errorf("%w: missing dataset_id", ErrInvalid)
	}
	switch c.MetricsDropPolicy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("%w: metrics_drop_policy %q", ErrInvalid, c.MetricsDropPolicy)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("%w: s3 enabled without bucket", ErrInvalid)
	}
	if c.Mongo.Enabled && c.Mongo.URI == "" {
		return fmt.Errorf("%w: mongo enabled without uri", ErrInvalid)
	}
	if c.Pulse.Enabled && c.Pulse.RedisAddr == "" {
		return fmt.Errorf("%w: pulse enabled without redis_addr", ErrInvalid)
	}
	if c.Temporal.Enabled && c.Temporal.HostPort == "" {
		return fmt.Errorf("%w: temporal enabled without host_port", ErrInvalid)
	}
	return nil
}

// Resolved renders the configuration as the plain map persisted in the run
// summary.
func (c Config) Resolved() map[string]any {
	return map[string]any{
		"max_workers":               c.MaxWorkers,
		"batch_window":              c.BatchWindow.Std().String(),
		"batch_step":                c.BatchStep.Std().String(),
		"queue_depth":               c.QueueDepth,
		"batch_timeout":             c.BatchTimeout.Std().String(),
		"max_retries":               c.MaxRetries,
		"retry_base_delay":          c.RetryBaseDelay.Std().String(),
		"min_success_ratio":         c.MinSuccessRatio,
		"min_sample_batches":        c.MinSampleBatches,
		"cache_bytes":               c.CacheBytes,
		"prefetch_blocks":           c.PrefetchBlocks,
		"metrics_queue_size":        c.MetricsQueueSize,
		"metrics_drop_policy":       c.MetricsDropPolicy,
		"trust_flush_threshold":     c.TrustFlushThreshold,
		"trust_flush_interval":      c.TrustFlushInterval.Std().String(),
		"trust_half_life_turns":     c.TrustHalfLifeTurns,
		"checkpoint_interval_turns": c.CheckpointIntervalTurns,
		"curriculum_enabled":        c.CurriculumEnabled,
		"remote_results_uri":        c.RemoteResultsURI,
		"dataset_id":                c.DatasetID,
	}
}

func intInto(dst *int) func(string) error {
	return func(raw string) error {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func int64Into(dst *int64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func floatInto(dst *float64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func boolInto(dst *bool) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func stringInto(dst *string) func(string) error {
	return func(raw string) error {
		*dst = raw
		return nil
	}
}

func durationInto(dst *Duration) func(string) error {
	return func(raw string) error {
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*dst = Duration(v)
		return nil
	}
}
