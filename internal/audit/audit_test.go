package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// routedClient answers by matching a substring of the user prompt.
type routedClient struct {
	routes map[string]string // substring -> JSON response
	calls  int
}

func (c *routedClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.calls++
	user := req.Messages[len(req.Messages)-1].Content
	for sub, resp := range c.routes {
		if strings.Contains(user, sub) {
			return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: resp}}}}, nil
		}
	}
	return openai.ChatCompletionResponse{}, errors.New("no route")
}

func (c *routedClient) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (llm.ChatStream, error) {
	return nil, errors.New("not implemented")
}

func TestReduceClaim(t *testing.T) {
	cases := []struct {
		name     string
		evidence []Evidence
		status   VerificationStatus
		grounded bool
		score    float64
	}{
		{"any verified wins", []Evidence{{Status: StatusUnsupported}, {Status: StatusVerified}}, StatusVerified, true, 100},
		{"contradicted beats uncertain", []Evidence{{Status: StatusUncertain, Confidence: 90}, {Status: StatusContradicted}}, StatusContradicted, false, 0},
		{"uncertain high confidence grounded", []Evidence{{Status: StatusUncertain, Confidence: 60}}, StatusUncertain, true, 30},
		{"uncertain low confidence ungrounded", []Evidence{{Status: StatusUncertain, Confidence: 40}}, StatusUncertain, false, 20},
		{"all unsupported", []Evidence{{Status: StatusUnsupported}}, StatusUnsupported, false, 0},
	}
	for _, tc := range cases {
		b := ClaimBinding{Evidence: tc.evidence}
		reduceClaim(&b)
		if b.Status != tc.status || b.IsGrounded != tc.grounded || b.GroundingScore != tc.score {
			t.Fatalf("%s: got status=%v grounded=%v score=%v", tc.name, b.Status, b.IsGrounded, b.GroundingScore)
		}
	}
}

func TestAuditEvidence_EndToEnd(t *testing.T) {
	client := &routedClient{routes: map[string]string{
		"Report:": `{"claims":[
			{"text":"Transformers outperform RNNs on summarization [1].","citationRefs":[1],"requiresEvidence":true},
			{"text":"In my opinion this field is exciting.","citationRefs":[],"requiresEvidence":false},
			{"text":"All models achieve 100% accuracy [2].","citationRefs":[2],"requiresEvidence":true}
		]}`,
		"Transformers outperform": `{"isSupported":true,"relevanceScore":90,"confidence":95,"status":"verified","relevantExcerpt":"outperforms recurrent baselines","reasoning":"stated directly"}`,
		"100% accuracy":           `{"isSupported":false,"relevanceScore":20,"confidence":80,"status":"contradicted","relevantExcerpt":"accuracy of 62%","reasoning":"contradicts"}`,
		"categorize":              `{"category":"contradiction","severity":"high"}`,
		"Verification status":     `{"category":"contradiction","severity":"high"}`,
	}}
	a := &Auditor{Client: client, Model: "m"}
	papers := []*paper.Paper{
		{ID: "oa-1", Title: "Paper one", Abstract: "outperforms recurrent baselines"},
		{ID: "oa-2", Title: "Paper two", Abstract: "accuracy of 62%"},
	}
	citations := []report.Citation{
		{PaperID: "oa-1", InTextRef: "[1]"},
		{PaperID: "oa-2", InTextRef: "[2]"},
	}
	rep := &report.Report{Content: "body"}

	res, err := a.AuditEvidence(context.Background(), rep, citations, papers, "sess")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	// The opinion claim is filtered; two evidence claims remain.
	if res.TotalClaims != 2 {
		t.Fatalf("total claims: %d", res.TotalClaims)
	}
	if res.Grounded != 1 || res.Contradicted != 1 {
		t.Fatalf("counts: %+v", res)
	}
	if res.OverallGroundingScore != 50 {
		t.Fatalf("grounding score: %f", res.OverallGroundingScore)
	}
	if len(res.Hallucinations) != 1 || res.Hallucinations[0].Category != CategoryContradiction {
		t.Fatalf("hallucinations: %+v", res.Hallucinations)
	}
	if len(res.CriticalIssues) == 0 {
		t.Fatalf("contradicted claims must raise a critical issue")
	}
}

func TestAuditEvidence_NoClaimsScores100(t *testing.T) {
	client := &routedClient{routes: map[string]string{"Report:": `{"claims":[]}`}}
	a := &Auditor{Client: client, Model: "m"}
	res, err := a.AuditEvidence(context.Background(), &report.Report{Content: "x"}, nil, nil, "s")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if res.OverallGroundingScore != 100 || res.TotalClaims != 0 {
		t.Fatalf("empty audit: %+v", res)
	}
}

func TestAuditClaim_FallbackToTopK(t *testing.T) {
	client := &routedClient{routes: map[string]string{
		"Claim:": `{"isSupported":false,"relevanceScore":10,"confidence":30,"status":"unsupported","relevantExcerpt":"","reasoning":"no mention"}`,
	}}
	a := &Auditor{Client: client, Model: "m", FallbackTopK: 2}
	papers := []*paper.Paper{{ID: "oa-1", Title: "A"}, {ID: "oa-2", Title: "B"}, {ID: "oa-3", Title: "C"}}
	binding, err := a.auditClaim(context.Background(), Claim{Text: "uncited claim", RequiresEvidence: true}, map[int]*paper.Paper{}, papers)
	if err != nil {
		t.Fatalf("audit claim: %v", err)
	}
	if len(binding.Evidence) != 2 {
		t.Fatalf("fallback top-k must bound verification: %+v", binding.Evidence)
	}
	if binding.Status != StatusUnsupported {
		t.Fatalf("status: %v", binding.Status)
	}
}

func TestFallbackExtractClaims(t *testing.T) {
	content := "Transformers consistently outperform recurrent networks on benchmark datasets [1]. Short [2]. This sentence has no citation and is long enough to matter here."
	claims := fallbackExtractClaims(content)
	if len(claims) != 1 || claims[0].CitationRefs[0] != 1 {
		t.Fatalf("fallback extraction: %+v", claims)
	}
}

func TestPassesThreshold(t *testing.T) {
	r := &Result{OverallGroundingScore: 80, Contradicted: 1}
	if !PassesThreshold(r, 70, 1) {
		t.Fatalf("should pass")
	}
	if PassesThreshold(r, 90, 1) || PassesThreshold(r, 70, 0) {
		t.Fatalf("should fail on either floor")
	}
}
