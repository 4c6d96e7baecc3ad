package enrich

import (
	"regexp"
	"strings"

	"github.com/hyperifyio/deepresearch/internal/paper"
)

// Canonical section header patterns, matched line by line against full text.
// Numbered variants ("2. Methods") and all-caps headers are accepted.
var sectionHeaderPatterns = []struct {
	typ paper.SectionType
	re  *regexp.Regexp
}{
	{paper.SectionAbstract, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?abstract\b`)},
	{paper.SectionIntroduction, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?introduction\b`)},
	{paper.SectionBackground, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(?:background|related works?|literature review)\b`)},
	{paper.SectionMethods, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(?:methods?|methodology|materials and methods)\b`)},
	{paper.SectionResults, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(?:results|findings|evaluation)\b`)},
	{paper.SectionDiscussion, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?discussion\b`)},
	{paper.SectionConclusion, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?conclusions?\b`)},
	{paper.SectionReferences, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(?:references|bibliography)\b`)},
	{paper.SectionAcknowledgments, regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?acknowledge?ments?\b`)},
}

// maxHeaderLineLen guards against body sentences that merely start with a
// header word.
const maxHeaderLineLen = 80

// ExtractSections scans full text line by line, starting a new section at
// each recognized header and accumulating the lines between. When no header
// matches at all, the whole body becomes one "other" section.
func ExtractSections(fullText string) []paper.Section {
	if strings.TrimSpace(fullText) == "" {
		return nil
	}
	lines := strings.Split(fullText, "\n")
	var sections []paper.Section
	var cur *paper.Section
	var buf strings.Builder
	offset := 0

	flush := func(end int) {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(buf.String())
		cur.CharEnd = end
		sections = append(sections, *cur)
		cur = nil
		buf.Reset()
	}

	for _, line := range lines {
		lineStart := offset
		offset += len(line) + 1
		if typ, title, ok := matchHeader(line); ok {
			flush(lineStart)
			cur = &paper.Section{Type: typ, Title: title, CharStart: lineStart}
			continue
		}
		if cur != nil {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	flush(len(fullText))

	if len(sections) == 0 {
		return []paper.Section{{
			Type:    paper.SectionOther,
			Content: strings.TrimSpace(fullText),
			CharEnd: len(fullText),
		}}
	}
	return sections
}

func matchHeader(line string) (paper.SectionType, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > maxHeaderLineLen {
		return "", "", false
	}
	for _, h := range sectionHeaderPatterns {
		if h.re.MatchString(trimmed) {
			return h.typ, trimmed, true
		}
	}
	return "", "", false
}

// SectionOfType returns the first section of the given type, nil when absent.
func SectionOfType(sections []paper.Section, typ paper.SectionType) *paper.Section {
	for i := range sections {
		if sections[i].Type == typ {
			return &sections[i]
		}
	}
	return nil
}
