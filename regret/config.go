package regret

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, fixed at session construction.
type Config struct {
	Page       PageConfig       `yaml:"page"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Debounce   DebounceConfig   `yaml:"debounce"`
	Restore    RestoreConfig    `yaml:"restore"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// PageConfig identifies the page the session attaches to.
type PageConfig struct {
	URL string `yaml:"url"`
	ID  string `yaml:"id"`
}

// DiscoveryConfig bounds the bootstrap retry loop.
type DiscoveryConfig struct {
	// RetryInterval is the fixed delay between discovery passes.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// MaxAttempts caps interval-driven passes. Document-observer backstop
	// passes are not counted.
	MaxAttempts int `yaml:"max_attempts"`
}

// DebounceConfig controls mutation stabilization.
type DebounceConfig struct {
	// Quiet is the window with no child-list mutations after which the
	// host's asynchronous update counts as settled.
	Quiet time.Duration `yaml:"quiet"`
}

// RestoreConfig controls the restore transaction.
type RestoreConfig struct {
	// Grace is how long trigger activations and mutation batches stay
	// ignored after a restore's DOM writes complete.
	Grace time.Duration `yaml:"grace"`
}

// HeuristicsConfig overrides the classifier and locator keyword data.
// Empty fields keep the built-in lists.
type HeuristicsConfig struct {
	// MinCards is the minimum content-link count for a region to qualify
	// as the container, and for a capture to be stored.
	MinCards         int        `yaml:"min_cards"`
	LinkPattern      string     `yaml:"link_pattern"`
	CardHints        []string   `yaml:"card_hints"`
	SentinelHints    []string   `yaml:"sentinel_hints"`
	TriggerSelectors []string   `yaml:"trigger_selectors"`
	TriggerTexts     []string   `yaml:"trigger_texts"`
	CardSelectors    [][]string `yaml:"card_selectors"`
}

// PolicyConfig decides the behavioural forks between the observed layouts:
// robustness versus overhead.
type PolicyConfig struct {
	// KeepDocumentObserver leaves the document-wide backstop observer
	// running after binding succeeds, re-running discovery on any host
	// subtree swap. Default: torn down on success.
	KeepDocumentObserver bool `yaml:"keep_document_observer"`
	// ReacquireOnTrigger re-resolves the container on every trigger
	// activation instead of only at discovery. Default: true.
	ReacquireOnTrigger *bool `yaml:"reacquire_on_trigger"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Discovery.RetryInterval <= 0 {
		c.Discovery.RetryInterval = time.Second
	}
	if c.Discovery.MaxAttempts <= 0 {
		c.Discovery.MaxAttempts = 30
	}
	if c.Debounce.Quiet <= 0 {
		c.Debounce.Quiet = 800 * time.Millisecond
	}
	if c.Restore.Grace <= 0 {
		c.Restore.Grace = 500 * time.Millisecond
	}
	if c.Heuristics.MinCards <= 0 {
		c.Heuristics.MinCards = 4
	}
	if c.Policy.ReacquireOnTrigger == nil {
		t := true
		c.Policy.ReacquireOnTrigger = &t
	}
}
