package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperifyio/deepresearch/internal/paper"
)

// Known source names and their id prefixes.
const (
	SemanticScholar = "semantic-scholar"
	OpenAlex        = "openalex"
	ArXiv           = "arxiv"
	PubMed          = "pubmed"
	CORE            = "core"
)

var idPrefixes = map[string]string{
	SemanticScholar: "s2-",
	OpenAlex:        "oa-",
	ArXiv:           "arxiv-",
	PubMed:          "pubmed-",
	CORE:            "core-",
}

// PrefixFor returns the id prefix for a source name, empty when unknown.
func PrefixFor(source string) string { return idPrefixes[source] }

// SourceForID resolves a prefixed paper id back to its source name.
func SourceForID(id string) string {
	for name, prefix := range idPrefixes {
		if strings.HasPrefix(id, prefix) {
			return name
		}
	}
	return ""
}

// Registry holds the configured adapters keyed by name and routes GetPaper by
// id prefix.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, ok := r.adapters[a.Name()]; ok {
			continue
		}
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the adapter for a source name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns adapter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// GetPaper routes a prefixed paper id to the owning adapter.
func (r *Registry) GetPaper(ctx context.Context, id string) (*paper.Paper, error) {
	name := SourceForID(id)
	if name == "" {
		return nil, fmt.Errorf("unroutable paper id %q", id)
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for source %q", name)
	}
	return a.GetPaper(ctx, id)
}
