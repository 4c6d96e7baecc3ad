package enrich

import (
	"sort"
	"strings"

	"github.com/hyperifyio/deepresearch/internal/paper"
)

// Stage names the agent stage consuming paper content; each stage reads
// papers differently.
type Stage string

const (
	StagePlanning  Stage = "planning"
	StageSearching Stage = "searching"
	StageFiltering Stage = "filtering"
	StageAnalyzing Stage = "analyzing"
	StageWriting   Stage = "writing"
	StageCiting    Stage = "citing"
)

type stageProfile struct {
	minLevel       paper.DataAvailability
	preferSections []paper.SectionType
	maxTokens      int
}

var stageProfiles = map[Stage]stageProfile{
	StagePlanning:  {paper.MetadataOnly, nil, 100},
	StageSearching: {paper.WithAbstract, []paper.SectionType{paper.SectionAbstract}, 500},
	StageFiltering: {paper.WithAbstract, []paper.SectionType{paper.SectionAbstract, paper.SectionIntroduction, paper.SectionConclusion}, 1000},
	StageAnalyzing: {paper.WithFullText, []paper.SectionType{paper.SectionMethods, paper.SectionResults, paper.SectionDiscussion}, 4000},
	StageWriting:   {paper.WithAbstract, []paper.SectionType{paper.SectionAbstract, paper.SectionIntroduction, paper.SectionConclusion}, 2000},
	StageCiting:    {paper.WithAbstract, []paper.SectionType{paper.SectionAbstract}, 500},
}

// DefaultTotalBudget is the global token budget split across papers.
const DefaultTotalBudget = 16000

// truncationMarker terminates content that did not fit its slice.
const truncationMarker = " […]"

// FormattedPaper is one paper's stage-formatted content slice.
type FormattedPaper struct {
	PaperID   string
	Content   string
	Tokens    int
	Truncated bool
}

// estimateTokens approximates tokens as chars/4.
func estimateTokens(s string) int { return len(s) / 4 }

// FormatForStage renders papers into per-stage content slices under a global
// token budget. Priority ids are served first, then papers by descending
// availability. Papers below the stage's minimum level still contribute their
// metadata line so nothing silently disappears.
func FormatForStage(papers []*paper.Paper, stage Stage, priority []string, totalBudget int) []FormattedPaper {
	profile, ok := stageProfiles[stage]
	if !ok {
		profile = stageProfiles[StageSearching]
	}
	if totalBudget <= 0 {
		totalBudget = DefaultTotalBudget
	}

	ordered := orderForBudget(papers, priority)
	out := make([]FormattedPaper, 0, len(ordered))
	remaining := totalBudget
	for _, p := range ordered {
		if remaining <= 0 {
			break
		}
		perPaper := profile.maxTokens
		if perPaper > remaining {
			perPaper = remaining
		}
		content := contentFor(p, profile)
		tokens := estimateTokens(content)
		truncated := false
		if tokens > perPaper {
			content = truncate(content, perPaper*4)
			tokens = estimateTokens(content)
			truncated = true
		}
		remaining -= tokens
		out = append(out, FormattedPaper{PaperID: p.ID, Content: content, Tokens: tokens, Truncated: truncated})
	}
	return out
}

func orderForBudget(papers []*paper.Paper, priority []string) []*paper.Paper {
	prio := make(map[string]int, len(priority))
	for i, id := range priority {
		prio[id] = i + 1
	}
	ordered := make([]*paper.Paper, len(papers))
	copy(ordered, papers)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := prio[ordered[i].ID], prio[ordered[j].ID]
		if (pi > 0) != (pj > 0) {
			return pi > 0
		}
		if pi > 0 && pj > 0 && pi != pj {
			return pi < pj
		}
		return ordered[i].Availability > ordered[j].Availability
	})
	return ordered
}

func contentFor(p *paper.Paper, profile stageProfile) string {
	var sb strings.Builder
	sb.WriteString(p.Title)
	if p.Year > 0 {
		sb.WriteString(" (")
		sb.WriteString(yearString(p.Year))
		sb.WriteString(")")
	}
	if len(p.Authors) > 0 {
		sb.WriteString(" — ")
		sb.WriteString(firstAuthors(p.Authors, 3))
	}
	sb.WriteString("\n")

	if p.Availability < profile.minLevel || len(profile.preferSections) == 0 {
		if p.Abstract != "" && profile.minLevel <= paper.WithAbstract {
			sb.WriteString(p.Abstract)
		}
		return strings.TrimSpace(sb.String())
	}

	wrote := false
	for _, typ := range profile.preferSections {
		if typ == paper.SectionAbstract && p.Abstract != "" && SectionOfType(p.Sections, typ) == nil {
			sb.WriteString(p.Abstract)
			sb.WriteString("\n")
			wrote = true
			continue
		}
		if s := SectionOfType(p.Sections, typ); s != nil && s.Content != "" {
			sb.WriteString(strings.ToUpper(string(typ)))
			sb.WriteString(": ")
			sb.WriteString(s.Content)
			sb.WriteString("\n")
			wrote = true
		}
	}
	if !wrote {
		switch {
		case p.Abstract != "":
			sb.WriteString(p.Abstract)
		case p.FullText != "":
			sb.WriteString(p.FullText)
		}
	}
	return strings.TrimSpace(sb.String())
}

func truncate(s string, maxChars int) string {
	if maxChars <= len(truncationMarker) {
		return truncationMarker
	}
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars - len(truncationMarker)
	// Avoid splitting a UTF-8 rune.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker
}

func yearString(y int) string {
	digits := [4]byte{}
	for i := 3; i >= 0; i-- {
		digits[i] = byte('0' + y%10)
		y /= 10
	}
	return string(digits[:])
}

func firstAuthors(authors []paper.Author, n int) string {
	names := make([]string, 0, n)
	for _, a := range authors {
		names = append(names, a.Name)
		if len(names) == n {
			break
		}
	}
	s := strings.Join(names, ", ")
	if len(authors) > n {
		s += " et al."
	}
	return s
}
