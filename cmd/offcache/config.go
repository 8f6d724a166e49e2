package main

import (
	"fmt"
	"os"
	"time"

	"github.com/offcache/offcache/core"
	"gopkg.in/yaml.v3"
)

type config struct {
	Origin            string              `yaml:"origin"`
	OriginHost        string              `yaml:"originHost"`
	Generation        string              `yaml:"generation"`
	RetryAfterSeconds int                 `yaml:"retryAfterSeconds"`
	Partitions        []partitionConfig   `yaml:"partitions"`
	QueueEndpoints    []string            `yaml:"queueEndpoints"`
	Fallbacks         []fallbackConfig    `yaml:"fallbacks"`
	Critical          []string            `yaml:"critical"`
	Warm              map[string][]string `yaml:"warm"`
}

type partitionConfig struct {
	Name           string   `yaml:"name"`
	Match          []string `yaml:"match"`
	Strategy       string   `yaml:"strategy"`
	MaxAge         string   `yaml:"maxAge"`
	MaxEntries     int      `yaml:"maxEntries"`
	NetworkTimeout string   `yaml:"networkTimeout"`
	Vary           []string `yaml:"vary"`
}

type fallbackConfig struct {
	Match string `yaml:"match"`
	Kind  string `yaml:"kind"`
}

func getConfig(filename string) (config, error) {
	var cfg config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(configBytes, &cfg)
	return cfg, err
}

func (c config) registry() (*core.Registry, error) {
	registry := core.NewRegistry()
	for i, pc := range c.Partitions {
		p := core.Partition{
			Name:        pc.Name,
			MatchRules:  pc.Match,
			Strategy:    core.Strategy(pc.Strategy),
			MaxEntries:  pc.MaxEntries,
			VaryHeaders: pc.Vary,
		}
		var err error
		if p.MaxAge, err = parseDuration(pc.MaxAge); err != nil {
			return nil, fmt.Errorf("partitions[%d].maxAge: %w", i, err)
		}
		if p.NetworkTimeout, err = parseDuration(pc.NetworkTimeout); err != nil {
			return nil, fmt.Errorf("partitions[%d].networkTimeout: %w", i, err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (c config) fallbackRules() []core.FallbackRule {
	rules := make([]core.FallbackRule, 0, len(c.Fallbacks))
	for _, fc := range c.Fallbacks {
		rules = append(rules, core.FallbackRule{
			Prefix: fc.Match,
			Kind:   core.FallbackKind(fc.Kind),
		})
	}
	return rules
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
