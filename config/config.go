// Package config defines the mailscan daemon configuration, loaded from a
// TOML file. The loaded Config is read-only after startup and shared by
// every task in flight; only the regex cache it carries is mutated, and
// that cache is safe for concurrent use.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/migadu/mailscan/regexcache"
)

// LoggingConfig controls log output for the daemon.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// ServerConfig holds the HTTP scan endpoint settings.
type ServerConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	TaskTimeout string `toml:"task_timeout"` // per-task wall clock budget, e.g. "8s"
}

// GetTaskTimeout parses the per-task timeout, defaulting to 8 seconds.
func (s *ServerConfig) GetTaskTimeout() (time.Duration, error) {
	if s.TaskTimeout == "" {
		return 8 * time.Second, nil
	}
	return time.ParseDuration(s.TaskTimeout)
}

// ScanConfig holds pipeline-wide scan settings.
type ScanConfig struct {
	// CheckAllFilters keeps evaluating rules after the reject threshold is
	// already reached (the pass-all flag on every task).
	CheckAllFilters bool `toml:"check_all_filters"`
	// LogFormat is the per-task completion log line template. Empty
	// disables the completion log.
	LogFormat string `toml:"log_format"`
	// MaxMessageSize bounds file and shared-memory message views in bytes.
	// Zero means unlimited.
	MaxMessageSize int64 `toml:"max_message_size"`
	// Actions maps action names ("reject", "add_header", "greylist") to
	// their score thresholds.
	Actions map[string]float64 `toml:"actions"`
}

// RequiredScore returns the reject threshold, the score a message must
// reach to be rejected outright.
func (s *ScanConfig) RequiredScore() float64 {
	if s.Actions == nil {
		return 0
	}
	return s.Actions["reject"]
}

// RuleConfig declares one regex rule evaluated by the rule engine.
type RuleConfig struct {
	Symbol      string  `toml:"symbol"`
	Score       float64 `toml:"score"`
	Header      string  `toml:"header"`  // header to match; empty matches text parts
	Pattern     string  `toml:"pattern"` // RE2 pattern
	Description string  `toml:"description"`
}

// CompositeConfig declares a composite symbol computed from a boolean
// expression over other symbols, e.g. "SUBJ_ALL_CAPS & ~BODY_LOTTERY".
type CompositeConfig struct {
	Symbol      string  `toml:"symbol"`
	Score       float64 `toml:"score"`
	Expression  string  `toml:"expression"`
	Description string  `toml:"description"`
}

// FiltersConfig names the sieve scripts run as pre- and post-filter hooks.
type FiltersConfig struct {
	Prefilter  []string `toml:"prefilter"`  // script paths, run in order
	Postfilter []string `toml:"postfilter"` // script paths, run in order
}

// ClassifierConfig configures the Bayes classifier and its token store.
type ClassifierConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // sqlite token store location
	// MinLearns is the number of learned messages per class required
	// before classification produces symbols.
	MinLearns int64 `toml:"min_learns"`
	// Autolearn thresholds: scores at or beyond them feed the scan result
	// back into the classifier when autolearn is requested.
	AutolearnSpamScore float64 `toml:"autolearn_spam_score"`
	AutolearnHamScore  float64 `toml:"autolearn_ham_score"`
}

// Config is the root configuration object. One Config outlives every task
// created against it; tasks hold a reference for their lifetime.
type Config struct {
	Logging    LoggingConfig     `toml:"logging"`
	Server     ServerConfig      `toml:"server"`
	Scan       ScanConfig        `toml:"scan"`
	Rules      []RuleConfig      `toml:"rules"`
	Composites []CompositeConfig `toml:"composites"`
	Filters    FiltersConfig     `toml:"filters"`
	Classifier ClassifierConfig  `toml:"classifier"`

	// ReCache is the shared compiled-pattern cache; built at load time,
	// never serialized.
	ReCache *regexcache.Cache `toml:"-"`
}

// NewDefaultConfig returns a Config with application defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			ListenAddr: ":11333",
		},
		Scan: ScanConfig{
			LogFormat: `id: ${mid}, qid: ${qid}, ip: ${ip}, ${len} bytes, is_spam: ${is_spam}, action: ${action}, ${scores}, [${symbols_scores}], ${time_real}`,
			Actions: map[string]float64{
				"reject":     15.0,
				"add_header": 6.0,
				"greylist":   4.0,
			},
		},
		Classifier: ClassifierConfig{
			Path:               "mailscan-bayes.db",
			MinLearns:          5,
			AutolearnSpamScore: 15.0,
			AutolearnHamScore:  -2.0,
		},
		ReCache: regexcache.NewCache(),
	}
}

// Load reads and validates a TOML configuration file, overlaying it on the
// defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values and
// pre-compiles every declared rule pattern into the shared cache so bad
// patterns fail at startup, not mid-scan.
func (c *Config) Validate() error {
	if c.ReCache == nil {
		c.ReCache = regexcache.NewCache()
	}

	for name, threshold := range c.Scan.Actions {
		switch name {
		case "reject", "add_header", "greylist":
		default:
			return fmt.Errorf("unknown action %q in scan.actions", name)
		}
		if threshold < 0 {
			return fmt.Errorf("action %q has negative threshold %.2f", name, threshold)
		}
	}

	for i, rule := range c.Rules {
		if rule.Symbol == "" {
			return fmt.Errorf("rule #%d has no symbol name", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s has no pattern", rule.Symbol)
		}
		if _, err := c.ReCache.Get(rule.Pattern); err != nil {
			return fmt.Errorf("rule %s has invalid pattern: %w", rule.Symbol, err)
		}
	}

	for i, comp := range c.Composites {
		if comp.Symbol == "" {
			return fmt.Errorf("composite #%d has no symbol name", i)
		}
		if comp.Expression == "" {
			return fmt.Errorf("composite %s has no expression", comp.Symbol)
		}
	}

	if c.Classifier.Enabled && c.Classifier.Path == "" {
		return fmt.Errorf("classifier is enabled but classifier.path is empty")
	}

	if _, err := c.Server.GetTaskTimeout(); err != nil {
		return fmt.Errorf("invalid server.task_timeout: %w", err)
	}

	return nil
}
