package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
)

// ListRuns prints one line per stored run, newest first. An empty status
// lists every run.
func ListRuns(ctx context.Context, w io.Writer, eng *espalier.Engine, status domain.RunStatus) error {
	recs, err := eng.ListRuns(ctx)
	if err != nil {
		return err
	}

	var shown []*domain.ExecutionRecord
	for _, rec := range recs {
		if status == "" || rec.Status == status {
			shown = append(shown, rec)
		}
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tNODE\tSTEPS\tUPDATED")
	for _, rec := range shown {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.RunID, rec.Workflow, tui.Status(rec.Status), rec.CurrentNode,
			rec.State.StepCount, rec.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// InspectRun prints the full snapshot of a run as indented JSON.
func InspectRun(ctx context.Context, w io.Writer, eng *espalier.Engine, runID string) error {
	rec, err := eng.GetStatus(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// RemoveRuns deletes runs and reports each removal. It keeps going after a
// failure and returns the first error.
func RemoveRuns(ctx context.Context, w io.Writer, eng *espalier.Engine, runIDs []string) error {
	var first error
	for _, id := range runIDs {
		if err := eng.DeleteRun(ctx, id); err != nil {
			fmt.Fprintf(w, "Error removing '%s': %v\n", id, err)
			if first == nil {
				first = err
			}
			continue
		}
		fmt.Fprintf(w, "Removed run '%s'\n", id)
	}
	return first
}

// CleanupRuns deletes suspended and finished runs not updated within retention.
func CleanupRuns(ctx context.Context, w io.Writer, eng *espalier.Engine, retention time.Duration) error {
	n, err := eng.CleanupOldData(ctx, retention)
	if err != nil {
		return err
	}
	printSystemMessage(w, "Removed %d inactive run(s) older than %s.", n, retention)
	return nil
}
