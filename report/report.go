// Package report renders a synchronization run report as plain text.
package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"keepersecurity.com/ksm-scim-sync/scim"
)

type section struct {
	title string
	kinds []scim.OperationKind
}

var sections = []section{
	{title: "Team", kinds: []scim.OperationKind{scim.CreateTeam}},
	{title: "User", kinds: []scim.OperationKind{scim.CreateUser, scim.UpdateUser, scim.SuspendUser, scim.DeleteUser}},
	{title: "Membership", kinds: []scim.OperationKind{scim.AddTeamMember, scim.RemoveTeamMember}},
}

// Print writes the report: run header, per-section success and failure listings,
// counts per operation kind and per status, and run-level errors.
func Print(w io.Writer, r *scim.RunReport) {
	if r == nil {
		return
	}
	var mode = "apply"
	if r.DryRun {
		mode = "dry-run"
	}
	_, _ = fmt.Fprintf(w, "SCIM synchronization %s (%s)\n", r.RunId, mode)
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}

	if len(r.Unresolved) > 0 {
		_, _ = fmt.Fprintf(w, "Not Found:\n")
		for _, name := range r.Unresolved {
			_, _ = fmt.Fprintf(w, "\t%s\n", name)
		}
	}

	if r.Plan.IsEmpty() && len(r.Errors) == 0 {
		_, _ = fmt.Fprintf(w, "Nothing to synchronize\n")
	}

	for _, s := range sections {
		var success, failure []string
		for _, o := range r.Outcomes {
			if !hasKind(s.kinds, o.Operation.Kind) {
				continue
			}
			switch o.Status {
			case scim.Applied, scim.WouldApply:
				success = append(success, o.Operation.Description())
			default:
				failure = append(failure, describeFailure(o))
			}
		}
		var successTitle = "Success"
		if r.DryRun {
			successTitle = "Planned"
		}
		printList(w, fmt.Sprintf("%s %s:", s.title, successTitle), success)
		printList(w, fmt.Sprintf("%s Failure:", s.title), failure)
	}

	if r.Plan != nil && len(r.Plan.Operations) > 0 {
		_, _ = fmt.Fprintf(w, "Operations:\n")
		for _, kind := range scim.OperationKinds() {
			if n := r.Plan.Summary[kind]; n > 0 {
				_, _ = fmt.Fprintf(w, "\t%-18s %d\n", kind.String(), n)
			}
		}
		var counts = r.Counts()
		_, _ = fmt.Fprintf(w, "Applied: %d, Would apply: %d, Failed: %d, Skipped: %d, Cancelled: %d\n",
			counts.Applied, counts.WouldApply, counts.Failed, counts.Skipped, counts.Cancelled)
	}

	if len(r.Errors) > 0 {
		_, _ = fmt.Fprintf(w, "Errors:\n")
		for _, err := range r.Errors {
			_, _ = fmt.Fprintf(w, "\t%s\n", err.Error())
		}
	}
	if r.Cancelled {
		_, _ = fmt.Fprintf(w, "Run was cancelled before completion\n")
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "%s\n", title)
	for _, txt := range items {
		_, _ = fmt.Fprintf(w, "\t%s\n", txt)
	}
}

func describeFailure(o scim.OperationOutcome) string {
	var description = o.Operation.Description()
	switch o.Status {
	case scim.Failed:
		if o.Err != nil {
			var cause = o.Err
			var opErr *scim.OperationError
			if errors.As(o.Err, &opErr) && opErr.Cause != nil {
				cause = opErr.Cause
			}
			return fmt.Sprintf("%s: %s", description, cause.Error())
		}
		return fmt.Sprintf("%s: failed", description)
	case scim.Skipped:
		return fmt.Sprintf("%s: skipped, depends on \"%s\"", description, o.Cause)
	default:
		return fmt.Sprintf("%s: %s", description, o.Status.String())
	}
}

func hasKind(kinds []scim.OperationKind, kind scim.OperationKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
