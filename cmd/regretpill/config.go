package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/browser"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret"
)

// appConfig is the daemon configuration: the engine config plus the
// browser, admin, journal and MCP surfaces around it.
type appConfig struct {
	Engine  regret.Config `yaml:"engine"`
	Browser browserConfig `yaml:"browser"`
	Admin   adminConfig   `yaml:"admin"`
	Journal journalConfig `yaml:"journal"`
	MCP     mcpConfig     `yaml:"mcp"`
}

type browserConfig struct {
	// RemoteURL connects to an already-running Chrome. Empty launches one.
	RemoteURL string `yaml:"remote_url"`
	// Stealth is "headless" or "headful".
	Stealth string `yaml:"stealth"`
	// ResourceBlocking lists resource types to block (fonts, media).
	ResourceBlocking []string `yaml:"resource_blocking"`
	MemoryLimitMB    int64    `yaml:"memory_limit_mb"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

type adminConfig struct {
	// Addr is the listen address. Empty disables the admin server.
	Addr string `yaml:"addr"`
}

type journalConfig struct {
	// Path is the SQLite file. Empty disables the journal.
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type mcpConfig struct {
	// Stdio serves the MCP tools over stdin/stdout.
	Stdio bool `yaml:"stdio"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		Engine: regret.Config{
			Page: regret.PageConfig{
				URL: "https://www.bilibili.com",
				ID:  "bili-home",
			},
		},
		Browser: browserConfig{
			Stealth: "headless",
		},
		Admin: adminConfig{
			Addr: "127.0.0.1:8641",
		},
	}
}

func loadConfigFile(path string) (*appConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *browserConfig) managerConfig() browser.Config {
	level := browser.LevelHeadless
	if c.Stealth == "headful" {
		level = browser.LevelHeadful
	}
	return browser.Config{
		RemoteURL:        c.RemoteURL,
		MemoryLimit:      c.MemoryLimitMB << 20,
		RecycleInterval:  c.RecycleInterval,
		ResourceBlocking: c.ResourceBlocking,
		Stealth:          level,
		XvfbDisplay:      c.XvfbDisplay,
	}
}
