package aggregator

import (
	"regexp"

	"github.com/hyperifyio/deepresearch/internal/source"
)

// Domain is the coarse topic classification used for source selection.
type Domain string

const (
	DomainBiomedical Domain = "biomedical"
	DomainCSAI       Domain = "cs_ai"
	DomainPhysMath   Domain = "physics_math"
	DomainGeneral    Domain = "general"
)

var domainPatterns = map[Domain][]*regexp.Regexp{
	DomainBiomedical: compileAll(
		`(?i)\b(clinical|patient|disease|cancer|tumou?r|drug|therap\w*|gene|genom\w*|protein|cell|medic\w*|pharma\w*|epidemiolog\w*|vaccin\w*|diagnos\w*|biomark\w*|neuro\w*)\b`,
		`(?i)\b(covid|rna|dna|in vivo|in vitro|randomi[sz]ed trial)\b`,
	),
	DomainCSAI: compileAll(
		`(?i)\b(machine learning|deep learning|neural network\w*|transformer\w*|llm\w?|language model\w*|algorithm\w*|software|programming|compiler\w*|database\w*|distributed system\w*|computer vision|nlp|reinforcement learning)\b`,
		`(?i)\b(code|source code|benchmark\w*|dataset\w*|gpu|artificial intelligence)\b`,
	),
	DomainPhysMath: compileAll(
		`(?i)\b(quantum|particle\w*|cosmolog\w*|astrophys\w*|relativit\w*|theorem\w*|topolog\w*|algebra\w*|manifold\w*|boson\w*|fermion\w*|superconduct\w*|photon\w*)\b`,
		`(?i)\b(string theory|dark matter|gauge|lagrangian|hamiltonian)\b`,
	),
}

// Source priority per domain; the top 3 are selected.
var domainPriorities = map[Domain][]string{
	DomainBiomedical: {source.PubMed, source.SemanticScholar, source.OpenAlex, source.CORE},
	DomainCSAI:       {source.SemanticScholar, source.ArXiv, source.OpenAlex, source.CORE},
	DomainPhysMath:   {source.ArXiv, source.OpenAlex, source.SemanticScholar, source.CORE},
	DomainGeneral:    {source.OpenAlex, source.SemanticScholar, source.CORE, source.ArXiv},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// ClassifyDomain counts regex matches per domain and returns the winner;
// ties and zero matches fall back to general.
func ClassifyDomain(query string) Domain {
	best := DomainGeneral
	bestCount := 0
	for _, d := range []Domain{DomainBiomedical, DomainCSAI, DomainPhysMath} {
		count := 0
		for _, re := range domainPatterns[d] {
			count += len(re.FindAllString(query, -1))
		}
		if count > bestCount {
			best = d
			bestCount = count
		}
	}
	return best
}

// selectSources picks up to 3 sources for the domain, keeping only those
// actually registered and enabled.
func selectSources(d Domain, enabled map[string]bool) []string {
	out := make([]string, 0, 3)
	for _, name := range domainPriorities[d] {
		if !enabled[name] {
			continue
		}
		out = append(out, name)
		if len(out) == 3 {
			break
		}
	}
	return out
}
