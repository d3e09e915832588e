package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// Load reads and decodes an HCL config file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes config from raw HCL. Files may reference process
// environment variables as env.NAME, e.g. ip = env.NODE_IP.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}

func evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.VXLAN != nil {
		if c.VXLAN.Port == 0 {
			c.VXLAN.Port = 4789
		}
		if c.VXLAN.VNI == 0 {
			c.VXLAN.VNI = 4096
		}
		if c.VXLAN.MTU == 0 {
			c.VXLAN.MTU = 1450
		}
	}
	if c.Intake == nil {
		c.Intake = &Intake{}
	}
	if c.Intake.QueueNum == 0 {
		c.Intake.QueueNum = 100
	}
	if c.Intake.QueueLen == 0 {
		c.Intake.QueueLen = 1024
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

// duration parses an optional duration string, returning fallback when
// the string is empty.
func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// SweepInterval returns the configured conntrack sweep interval.
func (c *Config) SweepInterval() time.Duration {
	if c.Conntrack == nil {
		return 10 * time.Second
	}
	d, err := duration(c.Conntrack.SweepInterval, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// MetricsInterval returns the configured metrics poll interval.
func (c *Config) MetricsInterval() time.Duration {
	if c.Metrics == nil {
		return 10 * time.Second
	}
	d, err := duration(c.Metrics.Interval, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
