package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperifyio/deepresearch/internal/paper"
)

// OpenAlexAdapter implements Adapter against the OpenAlex works API. OpenAlex
// allows anonymous access; a contact email sent as the mailto query
// parameter moves requests into the polite pool.
type OpenAlexAdapter struct {
	BaseURL    string
	Mailto     string
	HTTPClient *http.Client
	throttle   Throttle
}

func NewOpenAlexAdapter(mailto string) *OpenAlexAdapter {
	return &OpenAlexAdapter{
		BaseURL:  "https://api.openalex.org",
		Mailto:   mailto,
		throttle: Throttle{Interval: 110 * time.Millisecond},
	}
}

func (a *OpenAlexAdapter) Name() string { return OpenAlex }

func (a *OpenAlexAdapter) IsAvailable(_ context.Context) bool { return true }

func (a *OpenAlexAdapter) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return &SearchResult{Source: a.Name()}, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	u, err := url.Parse(a.baseURL() + "/works")
	if err != nil {
		return nil, &TransportError{Source: a.Name(), Message: err.Error()}
	}
	q := u.Query()
	q.Set("search", opts.Query)
	q.Set("per-page", fmt.Sprintf("%d", limit))
	if opts.Offset > 0 {
		q.Set("page", fmt.Sprintf("%d", opts.Offset/limit+1))
	}
	var filters []string
	if opts.YearFrom > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%d-01-01", opts.YearFrom))
	}
	if opts.YearTo > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%d-12-31", opts.YearTo))
	}
	if opts.OpenAccess != nil && *opts.OpenAccess {
		filters = append(filters, "is_oa:true")
	}
	if len(filters) > 0 {
		q.Set("filter", strings.Join(filters, ","))
	}
	switch opts.SortBy {
	case SortCitations:
		q.Set("sort", "cited_by_count:desc")
	case SortDate:
		q.Set("sort", "publication_date:desc")
	}
	if a.Mailto != "" {
		q.Set("mailto", a.Mailto)
	}
	u.RawQuery = q.Encode()

	var body oaListResponse
	if err := a.getJSON(ctx, u.String(), &body); err != nil {
		return nil, err
	}
	papers := make([]*paper.Paper, 0, len(body.Results))
	for _, w := range body.Results {
		p := w.toPaper()
		if p == nil {
			continue
		}
		papers = append(papers, p)
		if len(papers) >= limit {
			break
		}
	}
	return &SearchResult{Papers: papers, TotalHits: body.Meta.Count, Source: a.Name()}, nil
}

func (a *OpenAlexAdapter) GetPaper(ctx context.Context, id string) (*paper.Paper, error) {
	key := strings.TrimPrefix(id, PrefixFor(OpenAlex))
	u := a.baseURL() + "/works/" + url.PathEscape(key)
	if a.Mailto != "" {
		u += "?mailto=" + url.QueryEscape(a.Mailto)
	}
	var w oaWork
	if err := a.getJSON(ctx, u, &w); err != nil {
		var te *TransportError
		if ok := asTransport(err, &te); ok && te.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return w.toPaper(), nil
}

func (a *OpenAlexAdapter) baseURL() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	return "https://api.openalex.org"
}

func (a *OpenAlexAdapter) getJSON(ctx context.Context, rawURL string, out any) error {
	if err := a.throttle.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &TransportError{Source: a.Name(), Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	hc := a.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Source: a.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Source: a.Name(), StatusCode: resp.StatusCode, Message: "unexpected status"}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Source: a.Name(), Message: "decode: " + err.Error()}
	}
	return nil
}

func asTransport(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}

type oaListResponse struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
	Results []oaWork `json:"results"`
}

type oaWork struct {
	ID          string `json:"id"`
	DOI         string `json:"doi"`
	Title       string `json:"title"`
	DisplayName string `json:"display_name"`
	PubYear     int    `json:"publication_year"`
	Language    string `json:"language"`
	CitedBy     int    `json:"cited_by_count"`
	OpenAccess  struct {
		IsOA  bool   `json:"is_oa"`
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	PrimaryLocation struct {
		LandingPage string `json:"landing_page_url"`
		PDFURL      string `json:"pdf_url"`
		Source      struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
	Biblio struct {
		Volume    string `json:"volume"`
		Issue     string `json:"issue"`
		FirstPage string `json:"first_page"`
		LastPage  string `json:"last_page"`
	} `json:"biblio"`
	Authorships []struct {
		Author struct {
			DisplayName string `json:"display_name"`
			ORCID       string `json:"orcid"`
		} `json:"author"`
		Institutions []struct {
			DisplayName string `json:"display_name"`
		} `json:"institutions"`
	} `json:"authorships"`
	Concepts []struct {
		DisplayName string  `json:"display_name"`
		Score       float64 `json:"score"`
	} `json:"concepts"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

func (w *oaWork) toPaper() *paper.Paper {
	title := strings.TrimSpace(w.Title)
	if title == "" {
		title = strings.TrimSpace(w.DisplayName)
	}
	if title == "" {
		return nil
	}
	p := &paper.Paper{
		ID:            PrefixFor(OpenAlex) + shortOpenAlexID(w.ID),
		Title:         title,
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Year:          w.PubYear,
		DOI:           strings.TrimPrefix(strings.ToLower(strings.TrimSpace(w.DOI)), "https://doi.org/"),
		URL:           w.PrimaryLocation.LandingPage,
		PDFURL:        firstNonEmpty(w.PrimaryLocation.PDFURL, w.OpenAccess.OAURL),
		OpenAccess:    w.OpenAccess.IsOA,
		CitationCount: w.CitedBy,
		Journal:       w.PrimaryLocation.Source.DisplayName,
		Volume:        w.Biblio.Volume,
		Issue:         w.Biblio.Issue,
		Language:      w.Language,
		SourceOrigin:  []string{OpenAlex},
	}
	if w.Biblio.FirstPage != "" {
		p.Pages = w.Biblio.FirstPage
		if w.Biblio.LastPage != "" && w.Biblio.LastPage != w.Biblio.FirstPage {
			p.Pages += "-" + w.Biblio.LastPage
		}
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName == "" {
			continue
		}
		au := paper.Author{Name: a.Author.DisplayName, ORCID: strings.TrimPrefix(a.Author.ORCID, "https://orcid.org/")}
		for _, inst := range a.Institutions {
			if inst.DisplayName != "" {
				au.Affiliations = append(au.Affiliations, inst.DisplayName)
			}
		}
		p.Authors = append(p.Authors, au)
	}
	for _, c := range w.Concepts {
		if c.Score >= 0.3 && c.DisplayName != "" {
			p.Subjects = append(p.Subjects, c.DisplayName)
		}
	}
	p.Normalize()
	return p
}

func shortOpenAlexID(full string) string {
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[i+1:]
	}
	return full
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// reconstructAbstract rebuilds plain text from OpenAlex's inverted index.
func reconstructAbstract(idx map[string][]int) string {
	if len(idx) == 0 {
		return ""
	}
	max := 0
	for _, positions := range idx {
		for _, p := range positions {
			if p > max {
				max = p
			}
		}
	}
	words := make([]string, max+1)
	for w, positions := range idx {
		for _, p := range positions {
			if p >= 0 && p < len(words) {
				words[p] = w
			}
		}
	}
	return strings.TrimSpace(strings.Join(words, " "))
}
