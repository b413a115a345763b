// Package judge implements the Query Planner / Judge (spec.md §4.6): an
// LLM call that decides whether the memories retrieved so far are
// sufficient to answer a query, or whether supplemental queries should
// be issued. Built on pkg/llmgateway + pkg/jsonrepair, the same tolerant-
// parse strategy as the Short-Term decision and Long-Term graph-edit
// program parsers.
package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/memoryfold/mnemos/pkg/jsonrepair"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/model"
)

// Judge wraps an LLM client to produce JudgeVerdicts.
type Judge struct {
	llm *llmgateway.Client
}

func New(llm *llmgateway.Client) *Judge {
	return &Judge{llm: llm}
}

// Evaluate asks whether the supplied memories are sufficient to answer
// query. On any failure (gateway error or unparseable response) it
// returns the documented neutral default: not sufficient, zero
// confidence, no supplemental queries — so a caller always has a safe
// fallback rather than blocking on the judge.
func (j *Judge) Evaluate(ctx context.Context, query string, memories []model.ScoredMemory) model.JudgeVerdict {
	prompt := buildPrompt(query, memories)
	raw, err := j.llm.Complete(ctx, prompt, "judge_verdict", llmgateway.CompletionOptions{})
	if err != nil {
		return neutralDefault()
	}
	return parseVerdict(raw)
}

func buildPrompt(query string, memories []model.ScoredMemory) string {
	var b strings.Builder
	b.WriteString(llmgateway.MarkerJudgeVerdict)
	b.WriteString("\nquery: ")
	b.WriteString(query)
	b.WriteString("\nretrieved memories:\n")
	for _, sm := range memories {
		fmt.Fprintf(&b, "- memory %s (score=%.3f, importance=%.3f)\n", sm.Memory.ID, sm.Score, sm.Memory.Importance)
	}
	return b.String()
}

// EvaluateRecall is the coordinator read-path variant of Evaluate
// (SPEC_FULL.md §4.5 step 3-4): the items recalled at that point are
// Perceptual blocks and Short-Term memories, not long-term Memory
// records, so the caller passes pre-compacted text summaries instead
// of ScoredMemory. Same tolerant-parse and neutral-default behavior.
func (j *Judge) EvaluateRecall(ctx context.Context, query string, itemSummaries []string) model.JudgeVerdict {
	prompt := buildRecallPrompt(query, itemSummaries)
	raw, err := j.llm.Complete(ctx, prompt, "judge_verdict", llmgateway.CompletionOptions{})
	if err != nil {
		return neutralDefault()
	}
	return parseVerdict(raw)
}

func buildRecallPrompt(query string, itemSummaries []string) string {
	var b strings.Builder
	b.WriteString(llmgateway.MarkerJudgeVerdict)
	b.WriteString("\nquery: ")
	b.WriteString(query)
	b.WriteString("\nrecalled items:\n")
	for _, s := range itemSummaries {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

func parseVerdict(raw string) model.JudgeVerdict {
	var v model.JudgeVerdict
	if !jsonrepair.Parse(raw, &v) {
		return neutralDefault()
	}
	if v.SupplementalQueries == nil {
		v.SupplementalQueries = []string{}
	}
	return v
}

func neutralDefault() model.JudgeVerdict {
	return model.JudgeVerdict{Sufficient: false, Confidence: 0, SupplementalQueries: []string{}}
}
