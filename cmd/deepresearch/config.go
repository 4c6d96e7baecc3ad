package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/deepresearch/internal/coordinator"
)

// fileConfig is the optional YAML configuration. Env vars fill unset fields;
// explicit values win.
type fileConfig struct {
	LLM struct {
		BaseURL          string `yaml:"baseUrl"`
		APIKey           string `yaml:"apiKey"`
		Model            string `yaml:"model"`
		FallbackModel    string `yaml:"fallbackModel"`
		LightweightModel string `yaml:"lightweightModel"`
	} `yaml:"llm"`

	Sources struct {
		Enabled        []string `yaml:"enabled"`
		SmartSelection bool     `yaml:"smartSelection"`
		MinCitations   int      `yaml:"minCitations"`
		Mailto         string   `yaml:"mailto"`
		COREKey        string   `yaml:"coreKey"`
		S2Key          string   `yaml:"semanticScholarKey"`
	} `yaml:"sources"`

	Workflow coordinator.Config `yaml:"workflow"`
}

func loadConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig
	cfg.Sources.SmartSelection = true
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv populates unset fields from the environment. Adapters default to
// anonymous access when keys are absent.
func applyEnv(cfg *fileConfig) {
	setIfEmpty := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setIfEmpty(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setIfEmpty(&cfg.LLM.APIKey, "LLM_API_KEY", "OPENAI_API_KEY")
	setIfEmpty(&cfg.LLM.Model, "LLM_MODEL")
	setIfEmpty(&cfg.LLM.FallbackModel, "LLM_FALLBACK_MODEL")
	setIfEmpty(&cfg.LLM.LightweightModel, "LLM_LIGHTWEIGHT_MODEL")
	setIfEmpty(&cfg.Sources.Mailto, "CONTACT_MAILTO")
	setIfEmpty(&cfg.Sources.COREKey, "CORE_API_KEY")
	setIfEmpty(&cfg.Sources.S2Key, "SEMANTIC_SCHOLAR_API_KEY")
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.FallbackModel == "" {
		cfg.LLM.FallbackModel = "gpt-4o-mini"
	}
}
