// Package writer streams the research report out of the LLM, inserting
// in-text citations against a stable registry, salvaging partial content on
// stream interruption, and finalizing the raw markdown into a structured
// report.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/deepresearch/internal/cite"
	"github.com/hyperifyio/deepresearch/internal/enrich"
	"github.com/hyperifyio/deepresearch/internal/failure"
	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// Salvage thresholds for an interrupted stream.
const (
	minSalvageChars  = 1000
	shortPartialNote = 3000
)

// partialNote is appended to a salvaged report below the short threshold.
const partialNote = "\n\n> Note: generation was interrupted; this report may be incomplete.\n"

// Part is one element of the writer's output sequence. Exactly one field is
// set.
type Part struct {
	Content  string
	Section  *report.Section
	Citation *report.Citation
	Complete *report.Report
}

// Input bundles everything one write pass needs.
type Input struct {
	Plan      *planner.Plan
	Papers    []*paper.Paper
	Sources   []enrich.FormattedPaper
	Feedback  string
	Iteration int
	Style     cite.Style
}

// Writer drives streaming report generation.
type Writer struct {
	Client        llm.Client
	Model         string
	FallbackModel string
	MaxRetries    int // initial-call retries per model, default 2

	sleep func(context.Context, time.Duration) error // test hook
}

// Registry assigns each candidate paper a stable numeric index 1..N and the
// style-specific citation record.
type Registry struct {
	papers    []*paper.Paper
	citations []report.Citation
	byIndex   map[int]int // numeric ref -> slice position
}

// NewRegistry builds the citation registry in candidate order.
func NewRegistry(style cite.Style, papers []*paper.Paper) *Registry {
	r := &Registry{byIndex: make(map[int]int, len(papers))}
	for i, p := range papers {
		n := i + 1
		r.papers = append(r.papers, p)
		r.citations = append(r.citations, cite.NewCitation(style, p, n))
		r.byIndex[n] = i
	}
	return r
}

// Citation resolves a numeric in-text ref; ok is false for unknown refs.
func (r *Registry) Citation(n int) (report.Citation, bool) {
	i, ok := r.byIndex[n]
	if !ok {
		return report.Citation{}, false
	}
	return r.citations[i], true
}

// Papers returns the registered papers in index order.
func (r *Registry) Papers() []*paper.Paper { return r.papers }

// Citations returns all citation records in index order.
func (r *Registry) Citations() []report.Citation { return r.citations }

// Write streams the report, forwarding parts to emit in generation order and
// returning the finalized report. An interrupted stream with at least
// minSalvageChars of content is returned as a partial report; below that the
// failure is typed with a user-facing cause.
func (w *Writer) Write(ctx context.Context, in Input, emit func(Part)) (*report.Report, error) {
	if w.Client == nil || strings.TrimSpace(w.Model) == "" {
		return nil, errors.New("writer not configured")
	}
	registry := NewRegistry(in.Style, in.Papers)
	req := w.request(in, registry)

	stream, model, err := w.openStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	log.Debug().Str("model", model).Int("iteration", in.Iteration).Msg("writer stream open")

	acc := newAccumulator(in.Style, registry, emit)
	var streamErr error
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if len(resp.Choices) == 0 {
			continue
		}
		acc.push(resp.Choices[0].Delta.Content)
	}
	acc.flush()

	content := acc.content()
	if streamErr != nil {
		if len(content) < minSalvageChars {
			return nil, failure.New(failure.KindPartialContent,
				fmt.Errorf("stream interrupted at %d chars: %w", len(content), streamErr))
		}
		if len(content) < shortPartialNote {
			content += partialNote
		}
		log.Warn().Err(streamErr).Int("chars", len(content)).Msg("salvaging partial report")
	}

	rep := Finalize(content, in.Plan, acc.citations())
	rep.IterationCount = in.Iteration
	rep.Partial = streamErr != nil
	emit(Part{Complete: rep})
	return rep, nil
}

// openStream tries the primary model with retries, then the fallback model.
func (w *Writer) openStream(ctx context.Context, req openai.ChatCompletionRequest) (llm.ChatStream, string, error) {
	retries := w.MaxRetries
	if retries == 0 {
		retries = 2
	}
	sleep := w.sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	models := []string{w.Model}
	if w.FallbackModel != "" && w.FallbackModel != w.Model {
		models = append(models, w.FallbackModel)
	}
	var lastErr error
	for _, model := range models {
		for attempt := 0; attempt <= retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, "", err
			}
			req.Model = model
			stream, err := w.Client.CreateChatCompletionStream(ctx, req)
			if err == nil {
				return stream, model, nil
			}
			lastErr = err
			if !failure.Retryable(err) {
				break
			}
			if attempt < retries {
				if err := sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
					return nil, "", err
				}
			}
		}
	}
	return nil, "", fmt.Errorf("open writer stream: %w", lastErr)
}

func (w *Writer) request(in Input, registry *Registry) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: w.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage(in.Style)},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(in, registry)},
		},
		Temperature: 0.3,
		Stream:      true,
		N:           1,
	}
}

func systemMessage(style cite.Style) string {
	base := "You are a careful academic writer. Use ONLY the provided sources for facts. Structure the report in Markdown with a single '# ' title, '## ' sections and optional '### ' subsections, beginning with an '## Abstract'. Keep claims precise and grounded."
	if style.Numeric() {
		return base + " Cite with the bracketed numeric references given for each source, exactly as written, e.g. [3]. Never invent reference numbers."
	}
	return base + " Cite with the author-year references given for each source, exactly as written. Never invent citations."
}

func userMessage(in Input, registry *Registry) string {
	var sb strings.Builder
	sb.WriteString("Write a complete research report answering: ")
	sb.WriteString(in.Plan.MainQuestion)
	sb.WriteString("\n\nSub-questions to cover:\n")
	for _, q := range in.Plan.SubQuestions {
		sb.WriteString("- ")
		sb.WriteString(q)
		sb.WriteString("\n")
	}
	if len(in.Plan.ExpectedSections) > 0 {
		sb.WriteString("\nSection outline, in order:\n")
		for _, s := range in.Plan.ExpectedSections {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	if in.Feedback != "" {
		sb.WriteString("\nReviewer feedback to address in this revision:\n")
		sb.WriteString(in.Feedback)
		sb.WriteString("\n")
	}
	sb.WriteString("\nSources (cite with the given reference marks):\n")
	content := make(map[string]string, len(in.Sources))
	for _, s := range in.Sources {
		content[s.PaperID] = s.Content
	}
	for i, p := range registry.Papers() {
		c := registry.Citations()[i]
		fmt.Fprintf(&sb, "%d. %s — cite as %s\n", i+1, p.Title, c.InTextRef)
		if body := content[p.ID]; body != "" {
			sb.WriteString(body)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("Output only the Markdown document.")
	return sb.String()
}

var (
	numericCiteRe = regexp.MustCompile(`\[(\d+)(?:\s*,\s*\d+)*\]`)
	citeNumRe     = regexp.MustCompile(`\d+`)
	headerRe      = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)
)

// accumulator buffers streamed chunks, emitting citation parts before the
// content chunk that introduces them and section parts as headers complete.
type accumulator struct {
	style    cite.Style
	registry *Registry
	emit     func(Part)

	buf       strings.Builder
	lineStart int // offset of the current (incomplete) line
	emitted   map[int]bool
	refs      map[string]bool // author-year refs already seen
	cited     []report.Citation
}

func newAccumulator(style cite.Style, registry *Registry, emit func(Part)) *accumulator {
	return &accumulator{style: style, registry: registry, emit: emit,
		emitted: make(map[int]bool), refs: make(map[string]bool)}
}

func (a *accumulator) push(chunk string) {
	if chunk == "" {
		return
	}
	// Citations first: [N] for a citation must reach the client at or before
	// the first content chunk containing it. Scan with a small carry so refs
	// split across chunk boundaries are still caught.
	carryFrom := a.buf.Len() - 16
	if carryFrom < a.lineStart {
		carryFrom = a.lineStart
	}
	window := a.buf.String()[carryFrom:] + chunk
	a.scanCitations(window)

	a.buf.WriteString(chunk)
	a.emit(Part{Content: chunk})
	a.scanSections()
}

func (a *accumulator) scanCitations(window string) {
	if a.style.Numeric() {
		for _, m := range numericCiteRe.FindAllString(window, -1) {
			for _, numStr := range citeNumRe.FindAllString(m, -1) {
				n, err := strconv.Atoi(numStr)
				if err != nil || a.emitted[n] {
					continue
				}
				a.emitted[n] = true
				c, ok := a.registry.Citation(n)
				if !ok {
					// Unknown refs are ignored; the validator flags them later.
					log.Debug().Int("ref", n).Msg("citation to unregistered paper ignored")
					continue
				}
				a.cited = append(a.cited, c)
				a.emit(Part{Citation: &c})
			}
		}
		return
	}
	for i, c := range a.registry.Citations() {
		if a.refs[c.InTextRef] {
			continue
		}
		if strings.Contains(window, c.InTextRef) {
			a.refs[c.InTextRef] = true
			cc := a.registry.citations[i]
			a.cited = append(a.cited, cc)
			a.emit(Part{Citation: &cc})
		}
	}
}

// scanSections emits a section part for each newly completed header line.
func (a *accumulator) scanSections() {
	s := a.buf.String()
	for {
		nl := strings.IndexByte(s[a.lineStart:], '\n')
		if nl < 0 {
			return
		}
		line := s[a.lineStart : a.lineStart+nl]
		a.lineStart += nl + 1
		if m := headerRe.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			a.emit(Part{Section: &report.Section{Title: strings.TrimSpace(m[2]), Level: len(m[1])}})
		}
	}
}

// flush handles a final header line without a trailing newline.
func (a *accumulator) flush() {
	s := a.buf.String()
	if a.lineStart >= len(s) {
		return
	}
	if m := headerRe.FindStringSubmatch(strings.TrimSpace(s[a.lineStart:])); m != nil {
		a.emit(Part{Section: &report.Section{Title: strings.TrimSpace(m[2]), Level: len(m[1])}})
	}
	a.lineStart = len(s)
}

func (a *accumulator) content() string { return a.buf.String() }

func (a *accumulator) citations() []report.Citation { return a.cited }

// Finalize parses raw markdown into the structured report: sections by
// header scan, title from the single '# ' header (falling back to the plan's
// main question), abstract from the '## Abstract' body.
func Finalize(content string, plan *planner.Plan, citations []report.Citation) *report.Report {
	rep := &report.Report{
		Content:     content,
		Citations:   citations,
		GeneratedAt: time.Now().UTC(),
	}
	var cur *report.Section
	var body strings.Builder
	closeSection := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(body.String())
		rep.Sections = append(rep.Sections, *cur)
		cur = nil
		body.Reset()
	}
	for _, line := range strings.Split(content, "\n") {
		if m := headerRe.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			closeSection()
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			if level == 1 && rep.Title == "" {
				rep.Title = title
				continue
			}
			cur = &report.Section{Title: title, Level: level}
			continue
		}
		if cur != nil {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	closeSection()

	if rep.Title == "" && plan != nil {
		rep.Title = plan.MainQuestion
	}
	for _, s := range rep.Sections {
		if strings.EqualFold(s.Title, "abstract") {
			rep.Abstract = s.Content
			break
		}
	}
	return rep
}
