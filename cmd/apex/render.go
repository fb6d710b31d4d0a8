package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/apex/internal/domain"
	"github.com/aristath/apex/internal/workflow"
)

// Status styles
var (
	styleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	styleComplete = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	stylePaused = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// taskStyle maps a task status to its style.
func taskStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.TaskRunning:
		return styleRunning
	case domain.TaskCompleted:
		return styleComplete
	case domain.TaskFailed, domain.TaskCancelled:
		return styleFailed
	case domain.TaskPaused:
		return stylePaused
	default:
		return stylePending
	}
}

// stageStyle maps a stage status to its style.
func stageStyle(s domain.StageStatus) lipgloss.Style {
	switch s {
	case domain.StageRunning, domain.StageReady:
		return styleRunning
	case domain.StageCompleted:
		return styleComplete
	case domain.StageFailed:
		return styleFailed
	case domain.StageSkipped:
		return stylePaused
	default:
		return stylePending
	}
}

// progressBar renders done/total as a fixed-width bar.
func progressBar(done, failed, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	doneWidth := done * width / total
	failedWidth := failed * width / total
	rest := max(0, width-doneWidth-failedWidth)

	bar := styleComplete.Render(strings.Repeat("=", doneWidth))
	bar += styleFailed.Render(strings.Repeat("!", failedWidth))
	bar += stylePending.Render(strings.Repeat(".", rest))
	return fmt.Sprintf("[%s] %d/%d", bar, done, total)
}

// renderTask writes a task with its stages in workflow order. def may be nil
// when the workflow is no longer registered.
func renderTask(w io.Writer, task *domain.Task, def *workflow.Definition) {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Task " + task.ID))
	b.WriteString("  ")
	b.WriteString(taskStyle(task.Status).Render(task.Status.String()))
	b.WriteString("\n")

	fmt.Fprintf(&b, "Workflow:  %s\n", task.WorkflowName)
	if task.ParentTaskID != "" {
		fmt.Fprintf(&b, "Parent:    %s\n", task.ParentTaskID)
	}
	if task.BranchName != "" {
		fmt.Fprintf(&b, "Branch:    %s\n", task.BranchName)
	}
	if task.WorkspacePath != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", task.WorkspacePath)
	}
	fmt.Fprintf(&b, "Usage:     %.2f\n", task.Usage)
	fmt.Fprintf(&b, "Updated:   %s\n", task.UpdatedAt.Format(time.DateTime))

	var names []string
	if def != nil {
		names = def.Order()
	} else {
		names = slices.Sorted(maps.Keys(task.StageRecords))
	}

	if len(names) > 0 {
		b.WriteString("\n")
		done := len(task.StagesWithStatus(domain.StageCompleted))
		failed := len(task.StagesWithStatus(domain.StageFailed))
		b.WriteString(progressBar(done, failed, len(names), 24))
		b.WriteString("\n")

		width := 0
		for _, name := range names {
			width = max(width, len(name))
		}
		for _, name := range names {
			status := task.StageStatus(name)
			rec := task.StageRecords[name]
			line := fmt.Sprintf("  %-*s  %s", width, name, stageStyle(status).Render(status.String()))
			if !rec.StartedAt.IsZero() && !rec.CompletedAt.IsZero() {
				line += styleHelp.Render(fmt.Sprintf("  %s", rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond)))
			}
			if rec.Error != "" {
				line += "  " + styleFailed.Render(rec.Error)
			}
			b.WriteString(line + "\n")
		}
	}

	if task.Error != "" {
		b.WriteString("\n")
		b.WriteString(styleFailed.Render("Error: ") + task.Error + "\n")
	}

	fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
}

// renderTaskList writes one line per task.
func renderTaskList(w io.Writer, tasks []*domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, styleHelp.Render("No tasks"))
		return
	}
	for _, task := range tasks {
		done := len(task.StagesWithStatus(domain.StageCompleted))
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %d stage(s) done  %s\n",
			task.ID,
			taskStyle(task.Status).Render(fmt.Sprintf("%-10s", task.Status)),
			task.WorkflowName,
			done,
			styleHelp.Render(task.CreatedAt.Format(time.DateTime)))
	}
}

// renderCapacity writes the capacity snapshot and the upcoming boundary.
func renderCapacity(w io.Writer, c domain.CapacityInfo, window domain.TimeWindow, next time.Time) {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Capacity " + c.WindowID))
	b.WriteString("\n")

	state := styleComplete.Render("admitting")
	if c.ShouldPause {
		state = styleFailed.Render("paused")
	}
	fmt.Fprintf(&b, "State:  %s\n", state)
	fmt.Fprintf(&b, "Mode:   %s (%s - %s)\n", window.Mode, window.StartsAt.Format("15:04"), window.EndsAt.Format("15:04"))
	fmt.Fprintf(&b, "Used:   %.2f / %.2f (%.0f%%)\n", c.Used, c.Limit, c.Percent())

	const width = 30
	used := min(width, int(c.Percent()*width/100))
	bar := styleRunning.Render(strings.Repeat("=", used)) + stylePending.Render(strings.Repeat(".", width-used))
	if c.ShouldPause {
		bar = styleFailed.Render(strings.Repeat("!", width))
	}
	fmt.Fprintf(&b, "[%s]\n", bar)
	fmt.Fprintf(&b, "Next boundary: %s", next.Format(time.DateTime))

	fmt.Fprintln(w, styleBox.Render(b.String()))
}

// renderWorkflow writes a workflow's stages with their dependencies.
func renderWorkflow(w io.Writer, def *workflow.Definition) {
	fmt.Fprintf(w, "%s %s\n", styleTitle.Render(def.Name),
		styleHelp.Render(fmt.Sprintf("(%d stages, %d batches minimum)", len(def.Stages), def.LongestChain())))
	for _, name := range def.Order() {
		stage, _ := def.Stage(name)
		line := fmt.Sprintf("  %s -> %s", stage.Name, stage.Agent)
		if len(stage.DependsOn) > 0 {
			line += styleHelp.Render("  after " + strings.Join(stage.DependsOn, ", "))
		}
		fmt.Fprintln(w, line)
	}
}
