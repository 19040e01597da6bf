package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/internal/middleware"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	summaryBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	summaryHeader = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Bold(true)

	summaryLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	statusStyles = map[models.NodeStatus]lipgloss.Style{
		models.NodeStatusDone:      lipgloss.NewStyle().Foreground(lipgloss.Color("34")),  // Green
		models.NodeStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // Red
		models.NodeStatusDenied:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")), // Orange
		models.NodeStatusBlocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")), // Gray
		models.NodeStatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("220")), // Yellow
	}
)

// printEvent writes one line for a run event. Ready events are not shown.
func printEvent(w io.Writer, ev orchestrator.Event) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case orchestrator.EventNodeStarted:
		fmt.Fprintf(w, "%s %s %s\n", ts, color.CyanString("▶"), ev.NodeID)
	case orchestrator.EventNodeThrottled:
		fmt.Fprintf(w, "%s %s %s throttled %s (budget %.0f%%)\n", ts, color.YellowString("⏸"), ev.NodeID,
			ev.Delay.Round(time.Millisecond), ev.Ratio*100)
	case orchestrator.EventNodeCompleted:
		fmt.Fprintf(w, "%s %s %s (%s tokens)\n", ts, color.GreenString("✓"), ev.NodeID, formatNumber(ev.Usage.Total()))
	case orchestrator.EventNodeFailed:
		fmt.Fprintf(w, "%s %s %s: %v\n", ts, color.RedString("✗"), ev.NodeID, ev.Error)
	case orchestrator.EventNodeDenied:
		fmt.Fprintf(w, "%s %s %s denied: budget exhausted\n", ts, color.RedString("⊘"), ev.NodeID)
	case orchestrator.EventNodeBlocked:
		fmt.Fprintf(w, "%s %s %s blocked by %s\n", ts, color.HiBlackString("·"), ev.NodeID, ev.Cause)
	case orchestrator.EventRunDone:
		msg := ev.Message
		if msg == "" {
			msg = "run finished"
		}
		fmt.Fprintf(w, "%s %s %s\n", ts, color.New(color.Bold).Sprint("■"), msg)
	}
}

// renderSummary renders a per-node table in order, followed by run totals.
// cost is the estimated spend in USD.
func renderSummary(res *orchestrator.RunResult, order []string, stats budget.Stats, cost float64) string {
	rows := [][]string{{"NODE", "STATUS", "TOKENS", "TIME"}}
	for _, id := range order {
		oc, ok := res.Nodes[id]
		if !ok {
			continue
		}
		status := string(oc.Status)
		if oc.Cached {
			status += " (cached)"
		}
		if oc.Status == models.NodeStatusBlocked && oc.Cause != "" {
			status += " by " + oc.Cause
		}
		elapsed := "-"
		if !oc.StartedAt.IsZero() && !oc.EndedAt.IsZero() {
			elapsed = formatDuration(oc.EndedAt.Sub(oc.StartedAt))
		}
		tokens := "-"
		if oc.Usage.Total() > 0 {
			tokens = formatNumber(oc.Usage.Total())
		}
		rows = append(rows, []string{id, status, tokens, elapsed})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var lines []string
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i] + 2)
			switch {
			case r == 0:
				style = style.Inherit(summaryHeader)
			case i == 1:
				style = style.Inherit(statusStyles[res.Nodes[row[0]].Status])
			}
			cells[i] = style.Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}

	budgetLine := formatNumber(stats.Consumed) + " tokens"
	if stats.Total > 0 {
		budgetLine += fmt.Sprintf(" of %s (%.0f%%)", formatNumber(stats.Total), float64(stats.Consumed)/float64(stats.Total)*100)
	}
	totals := []string{
		"",
		summaryLabel.Render("Done:     ") + fmt.Sprintf("%d/%d", res.Count(models.NodeStatusDone), len(res.Nodes)),
		summaryLabel.Render("Budget:   ") + budgetLine,
		summaryLabel.Render("Cost:     ") + fmt.Sprintf("$%.4f (estimated)", cost),
		summaryLabel.Render("Duration: ") + formatDuration(res.Duration),
	}
	if res.DroppedEvents > 0 {
		totals = append(totals, summaryLabel.Render("Dropped:  ")+fmt.Sprintf("%d events", res.DroppedEvents))
	}

	return summaryBox.Render(lipgloss.JoinVertical(lipgloss.Left, append(lines, totals...)...))
}

// promptApprovals answers approval requests from the terminal until ctx
// is done. Requests are asked one at a time.
func promptApprovals(ctx context.Context, ca *middleware.ChannelApprover, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ca.RequestCh():
			ca.SubmitResponse(askApproval(reader, out, req))
		}
	}
}

func askApproval(r *bufio.Reader, out io.Writer, req middleware.ApprovalRequest) middleware.ApprovalResponse {
	fmt.Fprintf(out, "\n%s %s wants to call %s %s\n", color.YellowString("?"), req.NodeID,
		color.CyanString(req.Tool), truncate(string(req.Args), 200))
	fmt.Fprint(out, "  Allow? [y]es / [a]lways / [N]o: ")

	resp := middleware.ApprovalResponse{ID: req.ID}
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		resp.Reason = "no operator input"
		return resp
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		resp.Approved = true
	case "a", "always":
		resp.Approved = true
		resp.Remember = true
	default:
		resp.Reason = "rejected by operator"
	}
	return resp
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
