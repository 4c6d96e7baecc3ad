package coordinator

import (
	"github.com/hyperifyio/deepresearch/internal/critic"
)

// Config is the per-session workflow configuration. Zero values take the
// documented defaults.
type Config struct {
	MaxSearchRounds   int `yaml:"maxSearchRounds" json:"maxSearchRounds"`
	MaxIterations     int `yaml:"maxIterations" json:"maxIterations"`
	MinPapersRequired int `yaml:"minPapersRequired" json:"minPapersRequired"`
	MaxPapersPerRound int `yaml:"maxPapersPerRound" json:"maxPapersPerRound"`

	QualityGate critic.GateConfig `yaml:"qualityGate" json:"qualityGate"`

	EnableMultiSource         *bool `yaml:"enableMultiSource" json:"enableMultiSource,omitempty"`
	EnableCitationValidation  *bool `yaml:"enableCitationValidation" json:"enableCitationValidation,omitempty"`
	EnableContextCompression  *bool `yaml:"enableContextCompression" json:"enableContextCompression,omitempty"`
	EnableVerifiableChecklist *bool `yaml:"enableVerifiableChecklist" json:"enableVerifiableChecklist,omitempty"`
	EnableEvidenceAudit       *bool `yaml:"enableEvidenceAudit" json:"enableEvidenceAudit,omitempty"`
	EnableSemanticSearch      *bool `yaml:"enableSemanticSearch" json:"enableSemanticSearch,omitempty"`
	EnableParallelSearch      *bool `yaml:"enableParallelSearch" json:"enableParallelSearch,omitempty"`

	ParallelSearchConcurrency int    `yaml:"parallelSearchConcurrency" json:"parallelSearchConcurrency"`
	CitationStyle             string `yaml:"citationStyle" json:"citationStyle"`

	// RequirePlanApproval pauses the workflow on a plan checkpoint until the
	// client resolves it.
	RequirePlanApproval bool `yaml:"requirePlanApproval" json:"requirePlanApproval"`

	// ContextTokenBudget bounds compressed paper content fed to the writer.
	ContextTokenBudget int `yaml:"contextTokenBudget" json:"contextTokenBudget"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		MaxSearchRounds:           5,
		MaxIterations:             3,
		MinPapersRequired:         8,
		MaxPapersPerRound:         20,
		QualityGate:               critic.DefaultGateConfig(),
		ParallelSearchConcurrency: 3,
		CitationStyle:             "ieee",
		ContextTokenBudget:        16000,
	}
}

// Normalize fills zero values from the defaults. Boolean toggles are
// tri-state: nil means the default (true for everything except semantic
// search).
func (c *Config) Normalize() {
	d := Defaults()
	if c.MaxSearchRounds <= 0 {
		c.MaxSearchRounds = d.MaxSearchRounds
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MinPapersRequired <= 0 {
		c.MinPapersRequired = d.MinPapersRequired
	}
	if c.MaxPapersPerRound <= 0 {
		c.MaxPapersPerRound = d.MaxPapersPerRound
	}
	if c.QualityGate.MinOverallScore == 0 {
		c.QualityGate.MinOverallScore = d.QualityGate.MinOverallScore
	}
	if c.QualityGate.MinCoverageScore == 0 {
		c.QualityGate.MinCoverageScore = d.QualityGate.MinCoverageScore
	}
	if c.QualityGate.MinCitationDensity == 0 {
		c.QualityGate.MinCitationDensity = d.QualityGate.MinCitationDensity
	}
	if c.QualityGate.MinUniqueSources == 0 {
		c.QualityGate.MinUniqueSources = d.QualityGate.MinUniqueSources
	}
	c.QualityGate.MaxIterations = c.MaxIterations
	if c.ParallelSearchConcurrency <= 0 {
		c.ParallelSearchConcurrency = d.ParallelSearchConcurrency
	}
	if c.CitationStyle == "" {
		c.CitationStyle = d.CitationStyle
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = d.ContextTokenBudget
	}
}

func enabled(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Feature accessors with their documented defaults.
func (c *Config) MultiSource() bool         { return enabled(c.EnableMultiSource, true) }
func (c *Config) CitationValidation() bool  { return enabled(c.EnableCitationValidation, true) }
func (c *Config) ContextCompression() bool  { return enabled(c.EnableContextCompression, true) }
func (c *Config) VerifiableChecklist() bool { return enabled(c.EnableVerifiableChecklist, true) }
func (c *Config) EvidenceAudit() bool       { return enabled(c.EnableEvidenceAudit, true) }
func (c *Config) SemanticSearch() bool      { return enabled(c.EnableSemanticSearch, false) }
func (c *Config) ParallelSearch() bool      { return enabled(c.EnableParallelSearch, true) }
