package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chaincore/internal/protocol"
	"chaincore/internal/scheduler"
)

const helpText = `Commands:
/status - scheduler overview
/tasks - registered sync tasks
/run <task_id> - run a task now
/health <branch_id> - latest health push of a branch`

func (b *Bot) handleCommand(ctx context.Context, command, args string) string {
	args = strings.TrimSpace(args)
	switch command {
	case "start", "help":
		return helpText
	case "status":
		return formatStatus(b.sched.GetStatus())
	case "tasks":
		return b.listTasks()
	case "run":
		return b.runTask(ctx, args)
	case "health":
		return b.branchHealth(ctx, args)
	default:
		return "Unknown command.\n\n" + helpText
	}
}

func formatStatus(st scheduler.Status) string {
	var sb strings.Builder
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(&sb, "Scheduler %s\nTasks: %d total, %d active, %d running", state, st.TotalTasks, st.ActiveTasks, st.RunningTasks)
	for i, next := range st.NextRuns {
		if i == 5 {
			fmt.Fprintf(&sb, "\n... and %d more", len(st.NextRuns)-i)
			break
		}
		fmt.Fprintf(&sb, "\n%s at %s", next.TaskID, next.At.Format(time.RFC3339))
	}
	return sb.String()
}

func (b *Bot) listTasks() string {
	tasks := b.sched.GetTasks()
	if len(tasks) == 0 {
		return "No sync tasks registered."
	}
	var sb strings.Builder
	for _, t := range tasks {
		schedule := string(t.ScheduleKind)
		switch {
		case t.CronExpression != "":
			schedule = "cron " + t.CronExpression
		case t.IntervalSeconds > 0:
			schedule = "every " + t.Interval().String()
		}
		active := ""
		if !t.IsActive {
			active = " (inactive)"
		}
		fmt.Fprintf(&sb, "%s [%s] %s%s\n", t.ID, t.Status, schedule, active)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) runTask(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: /run <task_id>"
	}
	res, err := b.sched.RunTaskNow(ctx, id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return "Task not found: " + id
	}
	if err != nil {
		return "Run failed: " + err.Error()
	}
	if !res.Success {
		return fmt.Sprintf("Task %s failed after %d ms: %s", id, res.DurationMs, res.Error)
	}
	return fmt.Sprintf("Task %s done: %d records in %d ms", id, res.RecordsProcessed, res.DurationMs)
}

func (b *Bot) branchHealth(ctx context.Context, arg string) string {
	branchID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || branchID <= 0 {
		return "Usage: /health <branch_id>"
	}
	snap, err := b.health.GetHealth(ctx, branchID)
	if errors.Is(err, protocol.ErrHealthNotFound) {
		return fmt.Sprintf("Branch %d has not reported yet.", branchID)
	}
	if err != nil {
		return "Health lookup failed: " + err.Error()
	}

	text := fmt.Sprintf("Branch %d: %s, reported %s", branchID, snap.Status, snap.ReportedAt.Format(time.RFC3339))
	if snap.Stale {
		text += " (stale)"
	}
	return text
}
