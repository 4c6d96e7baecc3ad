// Package validate checks report citations against the bibliographic record:
// DOI lookups via Crossref with fuzzy title matching, year tolerance, and
// sampled LLM claim-support evaluation.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// CrossrefRecord is the subset of a Crossref work we validate against.
type CrossrefRecord struct {
	Title string
	Year  int
}

// CrossrefClient resolves DOIs. The HTTP implementation below is the default;
// tests inject fakes.
type CrossrefClient interface {
	Lookup(ctx context.Context, doi string) (*CrossrefRecord, error)
}

// HTTPCrossrefClient talks to api.crossref.org.
type HTTPCrossrefClient struct {
	BaseURL    string
	Mailto     string
	HTTPClient *http.Client
}

func (c *HTTPCrossrefClient) Lookup(ctx context.Context, doi string) (*CrossrefRecord, error) {
	base := c.BaseURL
	if base == "" {
		base = "https://api.crossref.org"
	}
	u := strings.TrimRight(base, "/") + "/works/" + url.PathEscape(doi)
	if c.Mailto != "" {
		u += "?mailto=" + url.QueryEscape(c.Mailto)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("crossref status: %d", resp.StatusCode)
	}
	var body struct {
		Message struct {
			Title  []string `json:"title"`
			Issued struct {
				DateParts [][]int `json:"date-parts"`
			} `json:"issued"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	rec := &CrossrefRecord{}
	if len(body.Message.Title) > 0 {
		rec.Title = body.Message.Title[0]
	}
	if len(body.Message.Issued.DateParts) > 0 && len(body.Message.Issued.DateParts[0]) > 0 {
		rec.Year = body.Message.Issued.DateParts[0][0]
	}
	return rec, nil
}

// titleMatchThreshold is the trigram Jaccard floor for a title match.
const titleMatchThreshold = 0.7

// CitationValidation is the verdict for one citation.
type CitationValidation struct {
	PaperID      string  `json:"paperId"`
	DOIResolved  bool    `json:"doiResolved"`
	TitleMatch   bool    `json:"titleMatch"`
	TitleScore   float64 `json:"titleScore"`
	YearMatch    bool    `json:"yearMatch"`
	ClaimSupport string  `json:"claimSupport,omitempty"` // supported|unsupported|unchecked
	Valid        bool    `json:"valid"`
	Note         string  `json:"note,omitempty"`
}

// Validator drives per-citation checks.
type Validator struct {
	Crossref      CrossrefClient
	Client        llm.Client
	Model         string
	FallbackModel string
}

// ValidateCitation checks one citation's paper against Crossref (when a DOI
// is present) and optionally evaluates one sampled claim for support.
func (v *Validator) ValidateCitation(ctx context.Context, c report.Citation, p *paper.Paper, sampleClaim string) CitationValidation {
	out := CitationValidation{PaperID: c.PaperID, ClaimSupport: "unchecked"}
	if p == nil {
		out.Note = "citation references a paper unknown to memory"
		return out
	}

	if p.DOI != "" && v.Crossref != nil {
		rec, err := v.Crossref.Lookup(ctx, p.DOI)
		switch {
		case err != nil:
			out.Note = "crossref lookup failed: " + err.Error()
			log.Debug().Err(err).Str("doi", p.DOI).Msg("crossref lookup failed")
		case rec == nil:
			out.Note = "DOI not found in crossref"
		default:
			out.DOIResolved = true
			out.TitleScore = TrigramJaccard(paper.NormalizeTitle(p.Title), paper.NormalizeTitle(rec.Title))
			out.TitleMatch = out.TitleScore >= titleMatchThreshold
			out.YearMatch = rec.Year == 0 || p.Year == 0 || abs(rec.Year-p.Year) <= 1
		}
	} else {
		// No DOI: nothing bibliographic to verify against.
		out.TitleMatch = true
		out.YearMatch = true
	}

	if sampleClaim != "" && v.Client != nil {
		out.ClaimSupport = v.evaluateClaimSupport(ctx, sampleClaim, p)
	}

	out.Valid = (p.DOI == "" || (out.DOIResolved && out.TitleMatch && out.YearMatch)) && out.ClaimSupport != "unsupported"
	return out
}

func (v *Validator) evaluateClaimSupport(ctx context.Context, claim string, p *paper.Paper) string {
	var verdict struct {
		Supported bool `json:"supported"`
	}
	err := llm.Structured(ctx, v.Client, llm.StructuredCall{
		System: "You judge whether a paper plausibly supports a claim. Respond with strict JSON only: {\"supported\": bool}.",
		User:   "Claim: " + claim + "\nPaper title: " + p.Title + "\nAbstract: " + p.Abstract,
		Model:  v.Model, FallbackModel: v.FallbackModel,
		Temperature: 0.0,
	}, &verdict)
	if err != nil {
		return "unchecked"
	}
	if verdict.Supported {
		return "supported"
	}
	return "unsupported"
}

// TrigramJaccard computes the Jaccard similarity of character trigram sets.
func TrigramJaccard(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) > 0 {
			out[string(runes)] = struct{}{}
		}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
