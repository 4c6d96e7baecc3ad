package writer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/deepresearch/internal/cite"
	"github.com/hyperifyio/deepresearch/internal/failure"
	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
)

// chunkStream replays scripted chunks and then an optional terminal error.
type chunkStream struct {
	chunks []string
	err    error
	pos    int
}

func (s *chunkStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return openai.ChatCompletionStreamResponse{}, s.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: chunk}}},
	}, nil
}

func (s *chunkStream) Close() error { return nil }

type streamClient struct {
	streams  []*chunkStream
	openErrs []error
	opens    int
	models   []string
}

func (c *streamClient) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, errors.New("not used")
}

func (c *streamClient) CreateChatCompletionStream(_ context.Context, req openai.ChatCompletionRequest) (llm.ChatStream, error) {
	i := c.opens
	c.opens++
	c.models = append(c.models, req.Model)
	if i < len(c.openErrs) && c.openErrs[i] != nil {
		return nil, c.openErrs[i]
	}
	if i < len(c.streams) {
		return c.streams[i], nil
	}
	return &chunkStream{}, nil
}

func testInput() Input {
	papers := []*paper.Paper{
		{ID: "oa-1", Title: "First paper", Year: 2020, Authors: []paper.Author{{Name: "A One"}}},
		{ID: "oa-2", Title: "Second paper", Year: 2021, Authors: []paper.Author{{Name: "B Two"}}},
	}
	return Input{
		Plan:   &planner.Plan{MainQuestion: "Main question?", SubQuestions: []string{"a", "b", "c"}},
		Papers: papers,
		Style:  cite.IEEE,
	}
}

func collect(parts *[]Part) func(Part) {
	return func(p Part) { *parts = append(*parts, p) }
}

func TestWrite_StreamsAndFinalizes(t *testing.T) {
	doc := "# Title Line\n\n## Abstract\nThe abstract body [1].\n\n## Findings\nMore findings [2].\n"
	client := &streamClient{streams: []*chunkStream{{chunks: splitChunks(doc, 7)}}}
	w := &Writer{Client: client, Model: "m"}

	var parts []Part
	rep, err := w.Write(context.Background(), testInput(), collect(&parts))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rep.Title != "Title Line" {
		t.Fatalf("title: %q", rep.Title)
	}
	if rep.Abstract != "The abstract body [1]." {
		t.Fatalf("abstract: %q", rep.Abstract)
	}
	if len(rep.Citations) != 2 {
		t.Fatalf("citations: %+v", rep.Citations)
	}
	if rep.Partial {
		t.Fatalf("clean stream must not be partial")
	}

	// Citation [1] must be emitted at or before the first content chunk that
	// contains "[1]"; sections appear as their headers complete.
	firstCite, firstContentWithRef := -1, -1
	rebuilt := ""
	for i, p := range parts {
		if p.Citation != nil && p.Citation.InTextRef == "[1]" && firstCite < 0 {
			firstCite = i
		}
		if p.Content != "" {
			rebuilt += p.Content
			if strings.Contains(rebuilt, "[1]") && firstContentWithRef < 0 {
				firstContentWithRef = i
			}
		}
	}
	if firstCite < 0 || firstCite > firstContentWithRef {
		t.Fatalf("citation order violated: cite=%d content=%d", firstCite, firstContentWithRef)
	}
	var sections []string
	for _, p := range parts {
		if p.Section != nil {
			sections = append(sections, p.Section.Title)
		}
	}
	if len(sections) != 3 { // Title Line, Abstract, Findings
		t.Fatalf("sections: %v", sections)
	}
	if parts[len(parts)-1].Complete == nil {
		t.Fatalf("final part must be complete")
	}
}

func TestWrite_UnknownRefIgnored(t *testing.T) {
	doc := "# T\n\n## Body\n" + strings.Repeat("text ", 300) + "claim [99].\n"
	client := &streamClient{streams: []*chunkStream{{chunks: []string{doc}}}}
	w := &Writer{Client: client, Model: "m"}
	var parts []Part
	rep, err := w.Write(context.Background(), testInput(), collect(&parts))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, p := range parts {
		if p.Citation != nil {
			t.Fatalf("no citation parts expected for unknown ref, got %+v", p.Citation)
		}
	}
	if len(rep.Citations) != 0 {
		t.Fatalf("unknown ref must not be recorded: %+v", rep.Citations)
	}
}

func TestWrite_SalvagesPartialContent(t *testing.T) {
	// 1200 chars then an abort: salvage with note (< 3000).
	body := "# T\n\n## Body\n" + strings.Repeat("x", 1200)
	client := &streamClient{streams: []*chunkStream{{chunks: []string{body}, err: errors.New("stream aborted")}}}
	w := &Writer{Client: client, Model: "m"}
	var parts []Part
	rep, err := w.Write(context.Background(), testInput(), collect(&parts))
	if err != nil {
		t.Fatalf("salvage must succeed: %v", err)
	}
	if !rep.Partial {
		t.Fatalf("report must be marked partial")
	}
	if !strings.Contains(rep.Content, "may be incomplete") {
		t.Fatalf("note must be appended for short partials")
	}
}

func TestWrite_TooShortPartialFails(t *testing.T) {
	client := &streamClient{streams: []*chunkStream{{chunks: []string{strings.Repeat("x", 999)}, err: errors.New("connection aborted")}}}
	w := &Writer{Client: client, Model: "m"}
	var parts []Part
	_, err := w.Write(context.Background(), testInput(), collect(&parts))
	if failure.KindOf(err) != failure.KindPartialContent {
		t.Fatalf("expected partial-content failure, got %v", err)
	}
	if failure.CauseOf(err) != failure.CauseAborted {
		t.Fatalf("cause must classify as aborted, got %v", failure.CauseOf(err))
	}
}

func TestWrite_FallbackModelOnOpenFailure(t *testing.T) {
	client := &streamClient{
		openErrs: []error{errors.New("server error: 500"), errors.New("server error: 500"), errors.New("server error: 500")},
		streams:  []*chunkStream{nil, nil, nil, {chunks: []string{"# T\n\n## S\nbody\n"}}},
	}
	w := &Writer{Client: client, Model: "primary", FallbackModel: "light",
		sleep: func(context.Context, time.Duration) error { return nil }}
	var parts []Part
	if _, err := w.Write(context.Background(), testInput(), collect(&parts)); err != nil {
		t.Fatalf("fallback model should rescue: %v", err)
	}
	if client.models[len(client.models)-1] != "light" {
		t.Fatalf("expected fallback model, models=%v", client.models)
	}
}

func TestFinalize_TitleFallsBackToPlan(t *testing.T) {
	rep := Finalize("## Only Section\nbody\n", &planner.Plan{MainQuestion: "The question"}, nil)
	if rep.Title != "The question" {
		t.Fatalf("title fallback: %q", rep.Title)
	}
	if len(rep.Sections) != 1 || rep.Sections[0].Content != "body" {
		t.Fatalf("sections: %+v", rep.Sections)
	}
}

func TestAuthorYearCitationDetection(t *testing.T) {
	in := testInput()
	in.Style = cite.APA
	doc := "# T\n\n## S\nA finding (One, 2020) appears.\n"
	client := &streamClient{streams: []*chunkStream{{chunks: splitChunks(doc, 5)}}}
	w := &Writer{Client: client, Model: "m"}
	var parts []Part
	rep, err := w.Write(context.Background(), in, collect(&parts))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(rep.Citations) != 1 || rep.Citations[0].PaperID != "oa-1" {
		t.Fatalf("author-year citation missed: %+v", rep.Citations)
	}
}

func splitChunks(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
