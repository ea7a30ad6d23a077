package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/prompts"
)

// KindNotReady marks a successful step whose summary says the plan cannot
// go on as it is.
const KindNotReady = "not_ready"

type stepSummary struct {
	Summary          string   `json:"summary"`
	FactsGenerated   []string `json:"facts_generated"`
	ReadyToProceed   *bool    `json:"ready_to_proceed"`
	ExtractedResults []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"extracted_results"`
}

func parseStepSummary(text string) (stepSummary, error) {
	raw, err := planner.ExtractJSON(text)
	if err != nil {
		return stepSummary{}, err
	}
	var s stepSummary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return stepSummary{}, fmt.Errorf("failed to parse step summary: %w", err)
	}
	return s, nil
}

// facts returns the generated facts followed by one "name: value" fact per
// extracted result.
func (s stepSummary) facts() []string {
	facts := make([]string, 0, len(s.FactsGenerated)+len(s.ExtractedResults))
	for _, f := range s.FactsGenerated {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, f)
		}
	}
	for _, r := range s.ExtractedResults {
		if r.Name == "" {
			continue
		}
		facts = append(facts, fmt.Sprintf("%s: %v", r.Name, r.Value))
	}
	return facts
}

// summarizeStep asks the model to condense obs into a summary and facts.
// A successful step the model flags as not ready becomes a failure so the
// planner revises the plan. Unusable summaries are ignored; only exhausted
// retries and cancellation end the session.
func (c *Controller) summarizeStep(ctx context.Context, goal string, node planner.Node, obs *planner.Observation) error {
	logger := tracing.LoggerFromContext(tracing.WithNodeID(ctx, node.ID), c.logger)

	spec, err := c.prompts.Get(prompts.StepSummary, c.version)
	if err != nil {
		logger.Warn().Err(err).Msg("Step summary prompt unavailable")
		return nil
	}
	result := obs.Output
	if !obs.Success {
		result = fmt.Sprintf("failed (%s): %s", obs.ErrorKind, obs.Error)
	}
	system, user := spec.Messages(map[string]any{
		"goal":          goal,
		"step":          node.Description,
		"preconditions": listOrNone(node.Preconditions),
		"effects":       listOrNone(node.Effects),
		"observation":   result,
	}, node.Description)

	resp, err := c.port.Generate(ctx, generation.Request{
		PromptID: prompts.StepSummary,
		System:   system,
		Prompt:   user,
		JSONMode: spec.JSONMode,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, generation.ErrExhausted):
		return err
	default:
		logger.Warn().Err(err).Msg("Step summary failed, continuing without it")
		return nil
	}

	summary, err := parseStepSummary(resp.Text)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring malformed step summary")
		return nil
	}
	obs.Summary = strings.TrimSpace(summary.Summary)
	obs.Facts = append(obs.Facts, summary.facts()...)

	if obs.Success && summary.ReadyToProceed != nil && !*summary.ReadyToProceed {
		obs.Success = false
		obs.ErrorKind = KindNotReady
		obs.Error = obs.Summary
		if obs.Error == "" {
			obs.Error = "step result is not sufficient to proceed"
		}
		logger.Info().Str("summary", obs.Summary).Msg("Step result not sufficient, replanning")
	}
	return nil
}

// finalAnswer renders the session result. With synthesis enabled the model
// writes it from the step results; otherwise, or when synthesis fails, the
// done leaf outputs are rendered in plan order.
func (c *Controller) finalAnswer(ctx context.Context, goal string, tree *planner.Tree) string {
	results := renderResults(tree)
	if !c.synthesize || results == "" {
		return results
	}

	logger := tracing.LoggerFromContext(ctx, c.logger)
	spec, err := c.prompts.Get(prompts.FinalAnswer, c.version)
	if err != nil {
		logger.Warn().Err(err).Msg("Final answer prompt unavailable")
		return results
	}
	system, user := spec.Messages(map[string]any{"goal": goal, "results": stepList(tree)}, goal)

	resp, err := c.port.Generate(ctx, generation.Request{
		PromptID: prompts.FinalAnswer,
		System:   system,
		Prompt:   user,
		JSONMode: spec.JSONMode,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Answer synthesis failed, using step results")
		return results
	}
	if text := strings.TrimSpace(resp.Text); text != "" {
		return text
	}
	return results
}

// renderResults returns the single output of a one-step plan, or one
// "description: output" line per done leaf.
func renderResults(tree *planner.Tree) string {
	if tree.Empty() {
		return ""
	}
	var done []*planner.Node
	for _, leaf := range tree.Leaves() {
		if leaf.Status == planner.StatusDone && strings.TrimSpace(leaf.Output) != "" {
			done = append(done, leaf)
		}
	}
	if len(done) == 1 {
		return strings.TrimSpace(done[0].Output)
	}
	return stepLines(done)
}

func stepList(tree *planner.Tree) string {
	var done []*planner.Node
	for _, leaf := range tree.Leaves() {
		if leaf.Status == planner.StatusDone {
			done = append(done, leaf)
		}
	}
	if len(done) == 0 {
		return "None."
	}
	return stepLines(done)
}

func stepLines(nodes []*planner.Node) string {
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		lines = append(lines, fmt.Sprintf("- %s: %s", n.Description, strings.TrimSpace(n.Output)))
	}
	return strings.Join(lines, "\n")
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "None."
	}
	return "- " + strings.Join(items, "\n- ")
}
