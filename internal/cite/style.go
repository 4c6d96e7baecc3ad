// Package cite renders in-text references and the final References block in
// the supported citation styles.
package cite

import (
	"fmt"
	"strings"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// Style selects the citation format.
type Style string

const (
	IEEE    Style = "ieee"
	APA     Style = "apa"
	MLA     Style = "mla"
	Chicago Style = "chicago"
)

// ParseStyle normalizes a config string to a Style, defaulting to IEEE.
func ParseStyle(s string) Style {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case APA:
		return APA
	case MLA:
		return MLA
	case Chicago:
		return Chicago
	default:
		return IEEE
	}
}

// Numeric reports whether the style uses bracketed numeric in-text refs.
func (s Style) Numeric() bool { return s == IEEE }

// InTextRef builds the in-text reference for the paper at 1-based index n.
func InTextRef(style Style, p *paper.Paper, n int) string {
	if style.Numeric() {
		return fmt.Sprintf("[%d]", n)
	}
	name := familyName(firstAuthor(p))
	if name == "" {
		name = "Anon."
	}
	year := "n.d."
	if p.Year > 0 {
		year = fmt.Sprintf("%d", p.Year)
	}
	switch style {
	case MLA:
		return fmt.Sprintf("(%s)", name)
	default: // APA, Chicago
		return fmt.Sprintf("(%s, %s)", name, year)
	}
}

// NewCitation builds the Citation record for a paper at index n.
func NewCitation(style Style, p *paper.Paper, n int) report.Citation {
	return report.Citation{
		ID:         fmt.Sprintf("cite-%d", n),
		PaperID:    p.ID,
		Authors:    authorList(p, 3),
		Year:       p.Year,
		DOI:        p.DOI,
		URL:        p.URL,
		InTextRef:  InTextRef(style, p, n),
		Journal:    p.Journal,
		Volume:     p.Volume,
		Issue:      p.Issue,
		Pages:      p.Pages,
		Conference: p.Conference,
	}
}

// Reference renders one full reference entry.
func Reference(style Style, p *paper.Paper, n int) string {
	authors := authorList(p, 6)
	if authors == "" {
		authors = "Unknown"
	}
	year := "n.d."
	if p.Year > 0 {
		year = fmt.Sprintf("%d", p.Year)
	}
	venue := p.Journal
	if venue == "" {
		venue = p.Conference
	}
	var sb strings.Builder
	switch style {
	case APA:
		fmt.Fprintf(&sb, "%s (%s). %s.", authors, year, p.Title)
		if venue != "" {
			fmt.Fprintf(&sb, " *%s*", venue)
			if p.Volume != "" {
				fmt.Fprintf(&sb, ", %s", p.Volume)
				if p.Issue != "" {
					fmt.Fprintf(&sb, "(%s)", p.Issue)
				}
			}
			if p.Pages != "" {
				fmt.Fprintf(&sb, ", %s", p.Pages)
			}
			sb.WriteString(".")
		}
	case MLA:
		fmt.Fprintf(&sb, "%s. \"%s.\"", authors, p.Title)
		if venue != "" {
			fmt.Fprintf(&sb, " *%s*,", venue)
		}
		fmt.Fprintf(&sb, " %s.", year)
	case Chicago:
		fmt.Fprintf(&sb, "%s. \"%s.\"", authors, p.Title)
		if venue != "" {
			fmt.Fprintf(&sb, " *%s*", venue)
			if p.Volume != "" {
				fmt.Fprintf(&sb, " %s", p.Volume)
			}
		}
		fmt.Fprintf(&sb, " (%s).", year)
	default: // IEEE
		fmt.Fprintf(&sb, "[%d] %s, \"%s,\"", n, authors, p.Title)
		if venue != "" {
			fmt.Fprintf(&sb, " *%s*,", venue)
		}
		if p.Volume != "" {
			fmt.Fprintf(&sb, " vol. %s,", p.Volume)
		}
		if p.Issue != "" {
			fmt.Fprintf(&sb, " no. %s,", p.Issue)
		}
		if p.Pages != "" {
			fmt.Fprintf(&sb, " pp. %s,", p.Pages)
		}
		fmt.Fprintf(&sb, " %s.", year)
	}
	if p.DOI != "" {
		fmt.Fprintf(&sb, " doi:%s", p.DOI)
	} else if p.URL != "" {
		fmt.Fprintf(&sb, " %s", p.URL)
	}
	return sb.String()
}

// ReferencesBlock renders the "## References" section for the cited papers
// in registry order.
func ReferencesBlock(style Style, papers []*paper.Paper) string {
	if len(papers) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## References\n\n")
	for i, p := range papers {
		if style.Numeric() {
			sb.WriteString(Reference(style, p, i+1))
		} else {
			fmt.Fprintf(&sb, "%d. %s", i+1, Reference(style, p, i+1))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func firstAuthor(p *paper.Paper) string {
	if len(p.Authors) == 0 {
		return ""
	}
	return p.Authors[0].Name
}

func familyName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func authorList(p *paper.Paper, max int) string {
	names := make([]string, 0, max)
	for _, a := range p.Authors {
		if a.Name == "" {
			continue
		}
		names = append(names, a.Name)
		if len(names) == max {
			break
		}
	}
	s := strings.Join(names, ", ")
	if len(p.Authors) > max {
		s += " et al."
	}
	return s
}
