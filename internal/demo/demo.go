// Package demo ships the built-in research-agent workflow used by
// `espalier demo` and as a default for `espalier serve`.
package demo

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
)

// WorkflowName is the name the demo workflow registers under.
const WorkflowName = "research"

// Field names used by the demo handlers.
const (
	FieldTopic         = "topic"
	FieldPlan          = "plan"
	FieldFindings      = "findings"
	FieldDraft         = "draft"
	FieldNeedsApproval = "needs_approval"
)

// Source is the YAML definition of the demo workflow.
//
//go:embed research.yaml
var Source []byte

// ErrSearchUnavailable is the failure of the flaky search tool.
var ErrSearchUnavailable = errors.New("search service unavailable")

// Workflow builds the demo definition.
func Workflow() (*graph.Definition, error) {
	return graph.Load(bytes.NewReader(Source), Catalog())
}

// Catalog returns a catalog with the demo handlers and predicates.
func Catalog() *graph.Catalog {
	cat := graph.NewCatalog()
	cat.RegisterHandler("plan", newPlanner)
	cat.RegisterHandler("research", newResearcher)
	cat.RegisterHandler("review", newReviewer)
	cat.RegisterFunc("request_approval", requestApproval)
	cat.RegisterFunc("answer", answer)
	cat.RegisterFunc("wrap_up", wrapUp)
	cat.RegisterPredicate("more_steps", moreSteps)
	return cat
}

type planConfig struct {
	Steps int `mapstructure:"steps"`
}

func newPlanner(config map[string]any) (domain.Handler, error) {
	cfg := planConfig{Steps: 3}
	if err := graph.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Steps < 1 {
		return nil, fmt.Errorf("steps must be positive, got %d", cfg.Steps)
	}
	return domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
		topic := v.String(FieldTopic)
		if topic == "" {
			return domain.Update{}, domain.Continue, domain.ReasoningFailure(errors.New("no topic to research"))
		}
		angles := []string{"background", "current state", "open problems", "practical advice", "further reading"}
		n := cfg.Steps
		if v.Bool(domain.FieldSimplifiedMode) {
			n = 1
		}
		if n > len(angles) {
			n = len(angles)
		}
		plan := make([]any, 0, n)
		for _, a := range angles[:n] {
			plan = append(plan, fmt.Sprintf("%s of %s", a, topic))
		}
		return domain.Set(FieldPlan, plan).
			With(domain.FieldCurrentPlanStep, 0).
			With(FieldFindings, []any{}).
			WithPhase("planning"), domain.Continue, nil
	}), nil
}

type researchConfig struct {
	// FlakyStep is the plan step whose search fails until tools are disabled; -1 never fails.
	FlakyStep int `mapstructure:"flaky_step"`
}

func newResearcher(config map[string]any) (domain.Handler, error) {
	cfg := researchConfig{FlakyStep: -1}
	if err := graph.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
		plan := planOf(v)
		step := v.Int(domain.FieldCurrentPlanStep)
		if step >= len(plan) {
			return domain.Update{}, domain.Continue, domain.ReasoningFailure(fmt.Errorf("plan step %d out of range", step))
		}
		update := domain.Update{}.WithPhase("researching")
		query := plan[step]

		var finding string
		if v.Bool(domain.FieldDisableTools) {
			finding = "notes on " + query + " (from memory)"
		} else {
			if step == cfg.FlakyStep {
				return update, domain.Continue, domain.ToolFailure(fmt.Errorf("search %q: %w", query, ErrSearchUnavailable))
			}
			finding = "search results for " + query
		}
		return update.
			Append(FieldFindings, finding).
			With(domain.FieldCurrentPlanStep, step+1), domain.Continue, nil
	}), nil
}

func moreSteps(v domain.View) bool {
	return v.Int(domain.FieldCurrentPlanStep) < len(planOf(v))
}

type reviewConfig struct {
	ApprovalThreshold int `mapstructure:"approval_threshold"`
}

func newReviewer(config map[string]any) (domain.Handler, error) {
	cfg := reviewConfig{ApprovalThreshold: 2}
	if err := graph.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
		findings := stringsOf(v, FieldFindings)
		if len(findings) == 0 {
			return domain.Update{}, domain.Continue, domain.ReasoningFailure(errors.New("nothing to review"))
		}
		needsApproval := len(findings) >= cfg.ApprovalThreshold || v.Bool("require_approval")
		return domain.Set(FieldDraft, render(v.String(FieldTopic), findings)).
			With(FieldNeedsApproval, needsApproval).
			WithPhase("reviewing"), domain.Continue, nil
	}), nil
}

func requestApproval(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
	return domain.Update{}.
		WithPhase("awaiting_approval").
		WithPayload(map[string]any{
			FieldTopic: v.String(FieldTopic),
			FieldDraft: v.String(FieldDraft),
		}), domain.Suspend, nil
}

func answer(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
	text := v.String(FieldDraft)
	if fb := v.String(domain.FieldApprovalFeedback); fb != "" {
		text += "\n> Reviewer: " + fb + "\n"
	}
	return domain.Set(domain.FieldFinalAnswer, text).WithPhase("done"), domain.Continue, nil
}

// wrapUp runs when a run is cut short. It only answers when there is something
// to show; otherwise the engine's fallback message stands.
func wrapUp(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
	if info := v.Error(); info != nil && info.Code == domain.CodeApprovalRejected {
		return domain.Set(domain.FieldFinalAnswer, "The draft was rejected: "+info.Message), domain.Continue, nil
	}
	findings := stringsOf(v, FieldFindings)
	if len(findings) == 0 {
		return domain.Update{}, domain.Continue, nil
	}
	return domain.Set(domain.FieldFinalAnswer, render(v.String(FieldTopic)+" (partial)", findings)), domain.Continue, nil
}

func render(topic string, findings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n", topic)
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

func planOf(v domain.View) []string {
	return stringsOf(v, FieldPlan)
}

func stringsOf(v domain.View, key string) []string {
	raw, _ := v.Get(key)
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}
