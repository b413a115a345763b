// Package llmgateway defines the LLM Gateway contract used by every
// LLM-driven decision in the engine (Short-Term decisions, Long-Term
// graph-edit programs, the Judge), plus a heuristic local stand-in
// grounded in the teacher's distill.HeuristicDistiller
// (adfoke-PAIM/pkg/engine/distill/distill.go).
package llmgateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memoryfold/mnemos/pkg/retry"
)

// CompletionOptions carries per-call knobs (temperature, max tokens,
// etc.) that a real provider would consume; the stub ignores them.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// Gateway is the external LLM Gateway contract (SPEC_FULL.md §6).
type Gateway interface {
	Complete(ctx context.Context, prompt string, schemaHint string, opts CompletionOptions) (string, error)
}

// Client wraps a Gateway with the shared timeout/retry/concurrency
// policy, mirroring embedding.Client.
type Client struct {
	gw       Gateway
	sem      *semaphore.Weighted
	timeout  time.Duration
	maxRetry int
}

func NewClient(gw Gateway, maxInflight int, timeout time.Duration, maxRetry int) *Client {
	var sem *semaphore.Weighted
	if maxInflight > 0 {
		sem = semaphore.NewWeighted(int64(maxInflight))
	}
	return &Client{gw: gw, sem: sem, timeout: timeout, maxRetry: maxRetry}
}

func (c *Client) Complete(ctx context.Context, prompt, schemaHint string, opts CompletionOptions) (string, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer c.sem.Release(1)
	}

	var out string
	err := retry.Do(ctx, c.maxRetry, 300*time.Millisecond, retry.AlwaysTransient, func(ctx context.Context) error {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		text, err := c.gw.Complete(callCtx, prompt, schemaHint, opts)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

// RuleBasedGateway is a deterministic, provider-free stand-in so the
// engine runs standalone. It recognizes the three prompt shapes the
// engine issues (short-term decision, graph-edit program, judge
// verdict) by a marker the caller embeds in the prompt, and answers
// with simple heuristics in the same spirit as the teacher's
// HeuristicDistiller ("if metadata has subject/predicate/object use it,
// else fall back to a generic notes triple").
type RuleBasedGateway struct{}

func NewRuleBased() *RuleBasedGateway { return &RuleBasedGateway{} }

const (
	MarkerShortTermDecision = "[[MNEMOS:SHORT_TERM_DECISION]]"
	MarkerGraphEditProgram  = "[[MNEMOS:GRAPH_EDIT_PROGRAM]]"
	MarkerJudgeVerdict      = "[[MNEMOS:JUDGE_VERDICT]]"
)

func (g *RuleBasedGateway) Complete(_ context.Context, prompt, _ string, _ CompletionOptions) (string, error) {
	switch {
	case strings.Contains(prompt, MarkerShortTermDecision):
		return g.decideShortTerm(prompt), nil
	case strings.Contains(prompt, MarkerGraphEditProgram):
		return g.editProgram(prompt), nil
	case strings.Contains(prompt, MarkerJudgeVerdict):
		return g.judgeVerdict(prompt), nil
	default:
		return "{}", nil
	}
}

func (g *RuleBasedGateway) decideShortTerm(prompt string) string {
	subject := firstNonEmptyLine(prompt)
	return fmt.Sprintf(`{"op":"create_new","memory_fields":{"subject":%q,"memory_type":"other","topic":"general","importance":0.4},"reasoning":"heuristic fallback"}`, subject)
}

func (g *RuleBasedGateway) editProgram(prompt string) string {
	subject := firstNonEmptyLine(prompt)
	return fmt.Sprintf(`[
  {"op":"create_node","temp_id":"t1","args":{"content":%q,"type":"topic"}},
  {"op":"create_memory","args":{"node_ids":["t1"],"importance":0.4}}
]`, subject)
}

func (g *RuleBasedGateway) judgeVerdict(_ string) string {
	return `{"sufficient":false,"confidence":0.3,"supplemental_queries":[]}`
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "[[MNEMOS:") {
			if len(line) > 80 {
				line = line[:80]
			}
			return line
		}
	}
	return "unknown"
}
