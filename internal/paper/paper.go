package paper

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DataAvailability is the total order describing how much of a paper's
// content is known locally.
type DataAvailability int

const (
	MetadataOnly DataAvailability = iota
	WithAbstract
	WithPDFLink
	WithFullText
)

func (d DataAvailability) String() string {
	switch d {
	case WithFullText:
		return "full_text"
	case WithPDFLink:
		return "pdf_link"
	case WithAbstract:
		return "abstract"
	default:
		return "metadata_only"
	}
}

// SectionType labels a typed full-text section.
type SectionType string

const (
	SectionAbstract        SectionType = "abstract"
	SectionIntroduction    SectionType = "introduction"
	SectionBackground      SectionType = "background"
	SectionMethods         SectionType = "methods"
	SectionResults         SectionType = "results"
	SectionDiscussion      SectionType = "discussion"
	SectionConclusion      SectionType = "conclusion"
	SectionReferences      SectionType = "references"
	SectionAcknowledgments SectionType = "acknowledgments"
	SectionOther           SectionType = "other"
)

// Section is one typed slice of a paper's full text.
type Section struct {
	Type      SectionType `json:"type"`
	Title     string      `json:"title"`
	Content   string      `json:"content"`
	CharStart int         `json:"charStart"`
	CharEnd   int         `json:"charEnd"`
}

// Author is an ordered entry in a paper's author list.
type Author struct {
	Name         string   `json:"name"`
	Affiliations []string `json:"affiliations,omitempty"`
	ORCID        string   `json:"orcid,omitempty"`
}

// Paper is the canonical paper entity. Identity is stable once assigned;
// merging never loses non-empty fields nor decreases availability.
type Paper struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Authors       []Author  `json:"authors,omitempty"`
	Abstract      string    `json:"abstract,omitempty"`
	Year          int       `json:"year,omitempty"`
	DOI           string    `json:"doi,omitempty"`
	URL           string    `json:"url,omitempty"`
	PDFURL        string    `json:"pdfUrl,omitempty"`
	OpenAccess    bool      `json:"openAccess"`
	CitationCount int       `json:"citationCount"`
	Subjects      []string  `json:"subjects,omitempty"`
	Journal       string    `json:"journal,omitempty"`
	Conference    string    `json:"conference,omitempty"`
	Volume        string    `json:"volume,omitempty"`
	Issue         string    `json:"issue,omitempty"`
	Pages         string    `json:"pages,omitempty"`
	Language      string    `json:"language,omitempty"`
	FullText      string    `json:"fullText,omitempty"`
	Sections      []Section `json:"sections,omitempty"`

	Availability DataAvailability `json:"availability"`
	SourceOrigin []string         `json:"sourceOrigin,omitempty"`
	LastEnriched time.Time        `json:"lastEnriched,omitempty"`
}

// AvailabilityOf derives the availability level from the fields actually
// present. The stored level must always equal this derivation.
func AvailabilityOf(p *Paper) DataAvailability {
	switch {
	case strings.TrimSpace(p.FullText) != "":
		return WithFullText
	case strings.TrimSpace(p.PDFURL) != "":
		return WithPDFLink
	case strings.TrimSpace(p.Abstract) != "":
		return WithAbstract
	default:
		return MetadataOnly
	}
}

// Normalize recomputes the derived level and trims identity fields. Call
// after constructing or mutating a paper by hand.
func (p *Paper) Normalize() {
	p.DOI = strings.ToLower(strings.TrimSpace(p.DOI))
	p.Availability = AvailabilityOf(p)
}

// HasOrigin reports whether the paper was observed from the named source.
func (p *Paper) HasOrigin(source string) bool {
	for _, s := range p.SourceOrigin {
		if s == source {
			return true
		}
	}
	return false
}

// AddOrigin unions a source name into SourceOrigin, preserving order.
func (p *Paper) AddOrigin(source string) {
	if source == "" || p.HasOrigin(source) {
		return
	}
	p.SourceOrigin = append(p.SourceOrigin, source)
}

// Merge folds other into p, keeping p's canonical id. Text fields keep the
// longer non-empty value, authors union by normalized name keeping the record
// with more affiliations, subjects union, citation count takes the max,
// open access ORs, availability takes the higher level, and source origins
// union. Merge is idempotent: merging a paper with itself is a no-op.
func Merge(p, other *Paper) {
	p.Title = longer(p.Title, other.Title)
	p.Abstract = longer(p.Abstract, other.Abstract)
	p.Journal = longer(p.Journal, other.Journal)
	p.Conference = longer(p.Conference, other.Conference)
	p.FullText = longer(p.FullText, other.FullText)
	if p.DOI == "" {
		p.DOI = strings.ToLower(strings.TrimSpace(other.DOI))
	}
	if p.URL == "" {
		p.URL = other.URL
	}
	if p.PDFURL == "" {
		p.PDFURL = other.PDFURL
	}
	if p.Year == 0 {
		p.Year = other.Year
	}
	if p.Volume == "" {
		p.Volume = other.Volume
	}
	if p.Issue == "" {
		p.Issue = other.Issue
	}
	if p.Pages == "" {
		p.Pages = other.Pages
	}
	if p.Language == "" {
		p.Language = other.Language
	}
	if other.CitationCount > p.CitationCount {
		p.CitationCount = other.CitationCount
	}
	p.OpenAccess = p.OpenAccess || other.OpenAccess
	p.Authors = mergeAuthors(p.Authors, other.Authors)
	p.Subjects = unionStrings(p.Subjects, other.Subjects)
	if len(p.Sections) == 0 {
		p.Sections = other.Sections
	}
	for _, s := range other.SourceOrigin {
		p.AddOrigin(s)
	}
	if other.Availability > p.Availability {
		p.Availability = other.Availability
	}
	if derived := AvailabilityOf(p); derived > p.Availability {
		p.Availability = derived
	}
}

func longer(a, b string) string {
	if len(strings.TrimSpace(b)) > len(strings.TrimSpace(a)) {
		return b
	}
	return a
}

func mergeAuthors(a, b []Author) []Author {
	if len(a) == 0 {
		return b
	}
	seen := make(map[string]int, len(a))
	out := make([]Author, len(a))
	copy(out, a)
	for i, au := range out {
		seen[NormalizeName(au.Name)] = i
	}
	for _, au := range b {
		key := NormalizeName(au.Name)
		if key == "" {
			continue
		}
		if i, ok := seen[key]; ok {
			// Keep the record with more affiliations.
			if len(au.Affiliations) > len(out[i].Affiliations) {
				au.Name = out[i].Name
				if au.ORCID == "" {
					au.ORCID = out[i].ORCID
				}
				out[i] = au
			} else if out[i].ORCID == "" && au.ORCID != "" {
				out[i].ORCID = au.ORCID
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, au)
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		k := strings.ToLower(strings.TrimSpace(s))
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName lowercases, strips diacritics, and collapses whitespace so
// author names from different sources compare equal.
func NormalizeName(name string) string {
	folded, _, err := transform.String(foldTransformer, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// NormalizeTitle lowercases, strips diacritics and non-alphanumerics, and
// collapses whitespace. Used as the fuzzy-dedup key.
func NormalizeTitle(title string) string {
	folded, _, err := transform.String(foldTransformer, title)
	if err != nil {
		folded = title
	}
	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
