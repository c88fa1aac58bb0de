// Package render formats replays, approvals and resume previews for the
// terminal.
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/runtime"
	"github.com/basket/taskcore/internal/task"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

const timeFormat = "15:04:05.000"

// Status colors a task, graph or node status.
func Status(s string) string {
	switch s {
	case string(task.StatusSucceeded):
		return okStyle.Render(s)
	case string(task.StatusFailed):
		return errStyle.Render(s)
	case string(task.StatusCanceled), string(coordinator.NodeSkipped):
		return warnStyle.Render(s)
	default:
		return itemStyle.Render(s)
	}
}

// Risk colors a risk level.
func Risk(r task.RiskLevel) string {
	switch {
	case r.AtLeast(task.RiskHigh):
		return errStyle.Render(string(r))
	case r.AtLeast(task.RiskMedium):
		return warnStyle.Render(string(r))
	default:
		return okStyle.Render(string(r))
	}
}

func field(label, value string) string {
	return fmt.Sprintf("%s %s", dimStyle.Render(fmt.Sprintf("%-10s", label)), value)
}

// Replay renders a task header followed by its event and trace timelines.
func Replay(r audit.Replay) string {
	rec := r.Task
	header := []string{
		titleStyle.Render("Task " + rec.ID),
		field("session", rec.SessionID),
		field("status", Status(string(rec.Status))),
		field("strategy", string(rec.Strategy)),
		field("risk", Risk(rec.RiskLevel)),
		field("created", rec.CreatedAt.Format(time.RFC3339)),
	}
	if rec.ErrorText != "" {
		header = append(header, field("error", errStyle.Render(rec.ErrorText)))
	}

	var b strings.Builder
	b.WriteString(boxStyle.Render(strings.Join(header, "\n")))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render(fmt.Sprintf("Events (%d)", len(r.Events))))
	b.WriteString("\n")
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "  %s  %s\n", dimStyle.Render(ev.OccurredAt.Format(timeFormat)), itemStyle.Render(ev.EventType))
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("Traces (%d)", len(r.Traces))))
	b.WriteString("\n")
	for _, tr := range r.Traces {
		line := fmt.Sprintf("  %s  %-9s %s", dimStyle.Render(tr.CreatedAt.Format(timeFormat)), tr.Kind, itemStyle.Render(tr.Span))
		if tr.Metric.LatencyMs > 0 {
			line += dimStyle.Render(fmt.Sprintf("  %dms", tr.Metric.LatencyMs))
		}
		b.WriteString(line + "\n")
	}

	if rec.OutputJSON != "" && rec.OutputJSON != "{}" {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Output"))
		b.WriteString("\n")
		b.WriteString(itemStyle.Render(rec.OutputJSON))
		b.WriteString("\n")
	}
	return b.String()
}

// Approvals renders the pending approval list, oldest first.
func Approvals(pending []approval.Pending) string {
	if len(pending) == 0 {
		return dimStyle.Render("No pending approvals.") + "\n"
	}
	sorted := append([]approval.Pending(nil), pending...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Pending approvals (%d)", len(sorted))))
	b.WriteString("\n")
	for _, p := range sorted {
		age := time.Since(p.CreatedAt).Truncate(time.Second)
		fmt.Fprintf(&b, "  %s  %s  %s  task=%s  %s\n",
			itemStyle.Render(p.ID),
			Risk(p.Request.RiskLevel),
			p.Request.Operation,
			p.Request.TaskID,
			dimStyle.Render(age.String()+" ago"),
		)
		if p.Request.Reason != "" {
			fmt.Fprintf(&b, "      %s\n", dimStyle.Render(p.Request.Reason))
		}
	}
	return b.String()
}

// Preview renders what resuming a snapshot would do.
func Preview(p coordinator.Preview) string {
	resumable := okStyle.Render("yes")
	if !p.CanResume {
		resumable = errStyle.Render("no")
	}
	lines := []string{
		titleStyle.Render("Snapshot " + p.SnapshotID),
		field("task", p.TaskID),
		field("status", Status(string(p.Status))),
		field("risk", Risk(p.RiskLevel)),
		field("resumable", resumable),
	}
	if len(p.PendingNodes) > 0 {
		lines = append(lines, field("reruns", strings.Join(p.PendingNodes, ", ")))
	}
	if p.Reason != "" {
		lines = append(lines, field("reason", warnStyle.Render(p.Reason)))
	}
	return boxStyle.Render(strings.Join(lines, "\n")) + "\n"
}

// Nodes renders per-node states of a graph run in execution order.
func Nodes(res coordinator.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Graph "+res.SnapshotID), Status(string(res.Status)))
	for _, n := range res.Nodes {
		line := fmt.Sprintf("  %-16s %s", n.NodeID, Status(string(n.Status)))
		if n.Error != "" {
			line += "  " + errStyle.Render(n.Error)
		}
		b.WriteString(line + "\n")
	}
	if res.Error != "" {
		b.WriteString(errStyle.Render(res.Error) + "\n")
	}
	return b.String()
}

// Outcome renders the result of a run.
func Outcome(o runtime.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  risk=%s\n", titleStyle.Render("Task "+o.TaskID), Status(string(o.Status)), o.Strategy, Risk(o.RiskLevel))
	if o.Steps != nil {
		for _, s := range o.Steps.Steps {
			line := fmt.Sprintf("  %-16s %s", s.StepID, Status(string(s.Status)))
			if s.Error != "" {
				line += "  " + errStyle.Render(s.Error)
			}
			b.WriteString(line + "\n")
		}
	}
	if o.Graph != nil {
		b.WriteString(Nodes(*o.Graph))
	}
	if o.Error != "" {
		b.WriteString(errStyle.Render(o.Error) + "\n")
	}
	return b.String()
}
