// Package enrich upgrades a paper's data-availability level by consulting
// alternate sources, extracts typed sections from full text, and formats
// paper content per agent stage under a token budget.
package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/cache"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/source"
)

// PDFExtractor turns a PDF URL into plain text. The HTTP and parsing shim is
// an external collaborator; implementations should HEAD first and cap the
// body size.
type PDFExtractor interface {
	ExtractText(ctx context.Context, pdfURL string, maxBytes int) (string, error)
}

// Config tunes the enricher.
type Config struct {
	EnablePDF   bool
	PDFMaxBytes int // default 10 MiB
}

// Result reports one enrichment attempt.
type Result struct {
	Paper         *paper.Paper
	Enriched      bool
	PreviousLevel paper.DataAvailability
	NewLevel      paper.DataAvailability
	Sources       []string
	Errors        []string
}

// Enricher raises papers toward a target availability level. The paper cache
// is process wide (TTL 24 h) and shared across sessions.
type Enricher struct {
	cfg      Config
	registry *source.Registry
	pdf      PDFExtractor
	papers   *cache.TTLCache[*paper.Paper]
}

func New(cfg Config, registry *source.Registry, pdf PDFExtractor) *Enricher {
	if cfg.PDFMaxBytes == 0 {
		cfg.PDFMaxBytes = 10 << 20
	}
	return &Enricher{
		cfg:      cfg,
		registry: registry,
		pdf:      pdf,
		papers:   cache.NewTTLCache[*paper.Paper](24*time.Hour, 4096),
	}
}

// Enrich attempts to raise p to at least target, trying strategies in order
// and stopping as soon as the target is reached. The input paper is mutated
// in place; NewLevel is never below PreviousLevel.
func (e *Enricher) Enrich(ctx context.Context, p *paper.Paper, target paper.DataAvailability) (*Result, error) {
	res := &Result{Paper: p, PreviousLevel: p.Availability}

	// 1) Cache short-circuit.
	if cached, ok := e.papers.Get(p.ID); ok && cached.Availability >= target {
		paper.Merge(p, cached)
		res.NewLevel = p.Availability
		res.Enriched = p.Availability > res.PreviousLevel
		res.Sources = append(res.Sources, "cache")
		return res, nil
	}

	steps := []func(context.Context, *paper.Paper, *Result){
		e.fromCORE,
		e.fromPDF,
		e.fromArxiv,
		e.betterAbstract,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.Availability >= target {
			break
		}
		step(ctx, p, res)
	}

	// 6) Section extraction once full text is present.
	if p.FullText != "" && len(p.Sections) == 0 {
		p.Sections = ExtractSections(p.FullText)
	}

	p.Normalize()
	p.LastEnriched = time.Now()
	res.NewLevel = p.Availability
	res.Enriched = res.NewLevel > res.PreviousLevel
	e.papers.Set(p.ID, p)
	return res, nil
}

// fromCORE tries CORE by id, then by DOI, then by exact-title search.
func (e *Enricher) fromCORE(ctx context.Context, p *paper.Paper, res *Result) {
	adapter, ok := e.registry.Get(source.CORE)
	if !ok {
		return
	}
	if strings.HasPrefix(p.ID, source.PrefixFor(source.CORE)) {
		if got, err := adapter.GetPaper(ctx, p.ID); err == nil && got != nil {
			mergeFrom(p, got, res, source.CORE)
			return
		} else if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	if p.DOI != "" {
		if got, err := adapter.GetPaper(ctx, source.PrefixFor(source.CORE)+"doi:"+p.DOI); err == nil && got != nil {
			mergeFrom(p, got, res, source.CORE)
			return
		}
	}
	sr, err := adapter.Search(ctx, source.SearchOptions{Query: "\"" + p.Title + "\"", Limit: 3})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	want := paper.NormalizeTitle(p.Title)
	for _, cand := range sr.Papers {
		if paper.NormalizeTitle(cand.Title) == want {
			mergeFrom(p, cand, res, source.CORE)
			return
		}
	}
}

// fromPDF fetches and extracts full text when a PDF link is known.
func (e *Enricher) fromPDF(ctx context.Context, p *paper.Paper, res *Result) {
	if !e.cfg.EnablePDF || e.pdf == nil || p.PDFURL == "" || p.FullText != "" {
		return
	}
	text, err := e.pdf.ExtractText(ctx, p.PDFURL, e.cfg.PDFMaxBytes)
	if err != nil {
		res.Errors = append(res.Errors, "pdf: "+err.Error())
		return
	}
	if strings.TrimSpace(text) != "" {
		p.FullText = text
		p.Normalize()
		res.Sources = append(res.Sources, "pdf")
	}
}

// fromArxiv looks the paper up on arXiv, primarily to obtain a PDF URL.
func (e *Enricher) fromArxiv(ctx context.Context, p *paper.Paper, res *Result) {
	if !isArxivPaper(p) {
		return
	}
	adapter, ok := e.registry.Get(source.ArXiv)
	if !ok {
		return
	}
	id := p.ID
	if !strings.HasPrefix(id, source.PrefixFor(source.ArXiv)) {
		id = source.PrefixFor(source.ArXiv) + arxivIDFromURL(p.URL)
	}
	got, err := adapter.GetPaper(ctx, id)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	if got != nil {
		mergeFrom(p, got, res, source.ArXiv)
	}
}

// betterAbstract consults Semantic Scholar when the current abstract is
// short.
func (e *Enricher) betterAbstract(ctx context.Context, p *paper.Paper, res *Result) {
	const shortAbstract = 200
	if len(p.Abstract) >= shortAbstract {
		return
	}
	adapter, ok := e.registry.Get(source.SemanticScholar)
	if !ok {
		return
	}
	id := p.ID
	if !strings.HasPrefix(id, source.PrefixFor(source.SemanticScholar)) {
		if p.DOI == "" {
			return
		}
		id = source.PrefixFor(source.SemanticScholar) + "doi:" + p.DOI
	}
	got, err := adapter.GetPaper(ctx, id)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	if got != nil && len(got.Abstract) > len(p.Abstract) {
		mergeFrom(p, got, res, source.SemanticScholar)
	}
}

func mergeFrom(p, other *paper.Paper, res *Result, src string) {
	paper.Merge(p, other)
	p.AddOrigin(src)
	for _, s := range res.Sources {
		if s == src {
			return
		}
	}
	res.Sources = append(res.Sources, src)
}

func isArxivPaper(p *paper.Paper) bool {
	if strings.HasPrefix(p.ID, source.PrefixFor(source.ArXiv)) || p.HasOrigin(source.ArXiv) {
		return true
	}
	return strings.Contains(p.URL, "arxiv.org") || strings.Contains(p.PDFURL, "arxiv.org")
}

func arxivIDFromURL(u string) string {
	for _, marker := range []string{"/abs/", "/pdf/"} {
		if i := strings.Index(u, marker); i >= 0 {
			id := u[i+len(marker):]
			id = strings.TrimSuffix(id, ".pdf")
			if j := strings.IndexAny(id, "?#"); j >= 0 {
				id = id[:j]
			}
			return id
		}
	}
	return u
}

// EnrichBatch enriches papers sequentially, logging rather than failing on
// per-paper errors. Bounded parallel enrichment is the coordinator's job.
func (e *Enricher) EnrichBatch(ctx context.Context, papers []*paper.Paper, target paper.DataAvailability) []*Result {
	out := make([]*Result, 0, len(papers))
	for _, p := range papers {
		res, err := e.Enrich(ctx, p, target)
		if err != nil {
			log.Warn().Err(err).Str("paper", p.ID).Msg("enrichment aborted")
			return out
		}
		out = append(out, res)
	}
	return out
}
