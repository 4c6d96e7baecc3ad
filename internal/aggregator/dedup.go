package aggregator

import (
	"sort"

	"github.com/agext/levenshtein"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/source"
)

// titleSimilarityThreshold is conservative; rare false merges drop a distinct
// paper, so DOI inequality always vetoes a fuzzy-title merge.
const titleSimilarityThreshold = 0.85

// dedupe collapses the union of papers in two passes: exact lowercased DOI,
// then fuzzy normalized-title similarity. Duplicates merge field-wise into
// the first-seen canonical record. Returns the survivors in first-seen order
// and the number of suppressed records.
func dedupe(papers []*paper.Paper) ([]*paper.Paper, int) {
	byDOI := make(map[string]*paper.Paper)
	type titled struct {
		norm string
		p    *paper.Paper
	}
	var seen []titled
	out := make([]*paper.Paper, 0, len(papers))
	suppressed := 0

	for _, p := range papers {
		if p == nil {
			continue
		}
		p.Normalize()

		// Pass 1: DOI exact.
		if p.DOI != "" {
			if canon, ok := byDOI[p.DOI]; ok {
				paper.Merge(canon, p)
				suppressed++
				continue
			}
		}

		// Pass 2: fuzzy title against already-seen titles. Distinct DOIs are
		// never merged even when titles agree.
		norm := paper.NormalizeTitle(p.Title)
		merged := false
		if norm != "" {
			for _, t := range seen {
				if t.norm == "" {
					continue
				}
				if p.DOI != "" && t.p.DOI != "" && p.DOI != t.p.DOI {
					continue
				}
				if titleSimilarity(norm, t.norm) >= titleSimilarityThreshold {
					// Reconciliation: if the fuzzy match would land on a record
					// whose DOI key points at a different canonical record,
					// merge into the DOI-deduped canonical instead.
					canon := t.p
					if canon.DOI != "" {
						if doiCanon, ok := byDOI[canon.DOI]; ok {
							canon = doiCanon
						}
					}
					paper.Merge(canon, p)
					if canon.DOI != "" {
						byDOI[canon.DOI] = canon
					}
					suppressed++
					merged = true
					break
				}
			}
		}
		if merged {
			continue
		}

		if p.DOI != "" {
			byDOI[p.DOI] = p
		}
		seen = append(seen, titled{norm: norm, p: p})
		out = append(out, p)
	}
	return out, suppressed
}

// titleSimilarity is 1 - levenshtein/max(len) over normalized titles.
func titleSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	if max == 0 {
		return 0
	}
	dist := levenshtein.Distance(a, b, nil)
	return 1 - float64(dist)/float64(max)
}

// availabilityWindow is the citation-count window within which secondary
// sort criteria decide ordering.
const availabilityWindow = 5

// sortPapers orders the deduplicated set. Citations: count desc, then within
// a window of 5 availability desc, then open access first when preferred.
// Date: year desc then availability desc. Relevance keeps upstream order and
// applies only the secondary criteria.
func sortPapers(papers []*paper.Paper, by source.SortBy, preferOpenAccess bool) {
	less := func(a, b *paper.Paper) bool {
		switch by {
		case source.SortCitations:
			diff := a.CitationCount - b.CitationCount
			if diff > availabilityWindow || diff < -availabilityWindow {
				return a.CitationCount > b.CitationCount
			}
			if a.Availability != b.Availability {
				return a.Availability > b.Availability
			}
			if preferOpenAccess && a.OpenAccess != b.OpenAccess {
				return a.OpenAccess
			}
			return a.CitationCount > b.CitationCount
		case source.SortDate:
			if a.Year != b.Year {
				return a.Year > b.Year
			}
			return a.Availability > b.Availability
		default:
			if a.Availability != b.Availability {
				return a.Availability > b.Availability
			}
			if preferOpenAccess && a.OpenAccess != b.OpenAccess {
				return a.OpenAccess
			}
			return false
		}
	}
	sort.SliceStable(papers, func(i, j int) bool { return less(papers[i], papers[j]) })
}

// filterMinCitations drops papers below the citation floor.
func filterMinCitations(papers []*paper.Paper, min int) []*paper.Paper {
	if min <= 0 {
		return papers
	}
	out := papers[:0]
	for _, p := range papers {
		if p.CitationCount >= min {
			out = append(out, p)
		}
	}
	return out
}
