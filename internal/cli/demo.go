package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
)

// DemoOptions configures RunDemo.
type DemoOptions struct {
	Topic string
	// AutoApprove answers every approval request with yes, without prompting.
	AutoApprove bool
	In          io.Reader
	Out         io.Writer
	Render      tui.Renderer
	Quiet       bool
}

// RunDemo runs the research workflow, printing each step and prompting on
// the terminal when the run waits for approval.
func RunDemo(ctx context.Context, eng *espalier.Engine, opts DemoOptions) (*domain.ExecutionRecord, error) {
	if opts.Render == nil {
		opts.Render = tui.Plain
	}
	def, ok := eng.Workflow(demo.WorkflowName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, demo.WorkflowName)
	}

	events, err := eng.Stream(ctx, def, map[string]any{demo.FieldTopic: opts.Topic})
	if err != nil {
		return nil, err
	}
	var runID string
	for ev := range events {
		runID = ev.RunID
		printStep(opts, ev)
	}
	if runID == "" {
		return nil, errors.New("run produced no steps")
	}

	reader := bufio.NewReader(opts.In)
	for {
		rec, err := eng.GetStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if rec.Status != domain.StatusSuspended {
			printResult(opts, rec)
			return rec, nil
		}

		decision, err := ask(opts, reader, rec)
		if err != nil {
			return rec, err
		}
		if _, err := eng.Resume(ctx, decision); err != nil {
			return nil, err
		}
	}
}

func printStep(opts DemoOptions, ev domain.StepEvent) {
	if opts.Quiet {
		return
	}
	line := fmt.Sprintf("[%2d] %-10s %s", ev.Step, ev.NodeID, tui.Status(ev.Status))
	if ev.Next != "" {
		line += tui.Faint(" -> " + ev.Next).String()
	}
	if ev.Err != nil {
		line += tui.Faint(fmt.Sprintf(" (%s: %s)", ev.Err.Category, ev.Err.Message)).String()
	}
	fmt.Fprintln(opts.Out, line)
}

func ask(opts DemoOptions, reader *bufio.Reader, rec *domain.ExecutionRecord) (domain.ApprovalDecision, error) {
	decision := domain.ApprovalDecision{RunID: rec.RunID, RequestID: rec.Approval.ID}

	if draft := rec.State.View().String(demo.FieldDraft); draft != "" && !opts.Quiet {
		out, err := opts.Render(draft)
		if err != nil {
			out = draft
		}
		fmt.Fprintln(opts.Out, out)
	}

	if opts.AutoApprove {
		decision.Approved = true
		printSystemMessage(opts.Out, "Auto-approved request %s.", rec.Approval.ID)
		return decision, nil
	}

	fmt.Fprint(opts.Out, "Approve this draft? [y/N] ")
	answer, err := readLine(reader)
	if err != nil {
		return decision, err
	}
	decision.Approved = isYes(answer)

	fmt.Fprint(opts.Out, "Feedback (optional): ")
	feedback, err := readLine(reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return decision, err
	}
	decision.Feedback = feedback
	return decision, nil
}

func printResult(opts DemoOptions, rec *domain.ExecutionRecord) {
	printSystemMessage(opts.Out, "Run %s %s after %d steps.", rec.RunID, tui.Status(rec.Status), rec.State.StepCount)
	answer := rec.State.View().String(domain.FieldFinalAnswer)
	if answer == "" {
		return
	}
	out, err := opts.Render(answer)
	if err != nil {
		out = answer
	}
	fmt.Fprintln(opts.Out, out)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line != "" && errors.Is(err, io.EOF) {
		return line, nil
	}
	return line, err
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
