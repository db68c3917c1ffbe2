package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"nutsfarm/internal/scheduler"
	"nutsfarm/internal/session"
	"nutsfarm/internal/storage"
)

func amount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func signed(v float64) string {
	if v > 0 {
		return "+" + amount(v)
	}
	return amount(v)
}

// FormatRun renders the per-run summary.
func FormatRun(rep session.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", rep.Session)
	if rep.Err != nil {
		fmt.Fprintf(&b, " run aborted: %v", rep.Err)
		return b.String()
	}
	if rep.Registered {
		b.WriteString(" (new account)")
	}
	if rep.BalanceKnown {
		fmt.Fprintf(&b, "\nBalance: %s -> %s (%s)", amount(rep.InitialBalance), amount(rep.FinalBalance), signed(rep.Gain()))
	} else {
		fmt.Fprintf(&b, "\nBalance: %s (start unknown)", amount(rep.FinalBalance))
	}
	if rep.TasksCompleted > 0 {
		fmt.Fprintf(&b, "\nTasks: %d completed, %s earned", rep.TasksCompleted, amount(rep.TaskRewards))
	}
	if rep.StoryRewards > 0 {
		fmt.Fprintf(&b, "\nStories: %s earned", amount(rep.StoryRewards))
	}
	if rep.FarmingReward > 0 {
		fmt.Fprintf(&b, "\nFarming: %s claimed", amount(rep.FarmingReward))
	}
	if rep.SleepRequested() {
		fmt.Fprintf(&b, "\nNext run in %s", rep.Sleep.Round(time.Second))
	}
	return b.String()
}

// FormatDigest renders the schedule and the latest runs.
func FormatDigest(snap scheduler.Snapshot, runs []storage.RunEntry, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule at %s", now.In(loc).Format("2006-01-02 15:04"))
	if len(snap.Sessions) == 0 {
		b.WriteString("\nNo sessions.")
	}
	for _, st := range snap.Sessions {
		fmt.Fprintf(&b, "\n- %s: ", st.Name)
		switch {
		case st.WakeAt.IsZero() || !st.WakeAt.After(now):
			b.WriteString("due")
		default:
			fmt.Fprintf(&b, "wakes %s", st.WakeAt.In(loc).Format("15:04"))
		}
		if st.LastError != "" {
			b.WriteString(" (last run failed)")
		}
	}

	var gained float64
	var tasks int
	for _, r := range runs {
		if r.Error != "" {
			continue
		}
		gained += r.FinalBalance - r.InitialBalance
		tasks += r.TasksCompleted
	}
	if len(runs) > 0 {
		fmt.Fprintf(&b, "\nLast %d runs: %s earned, %d tasks", len(runs), signed(gained), tasks)
	}
	return b.String()
}

// Entry converts a report into an audit row. An unknown starting balance is
// stored as the final one so the row carries no gain.
func Entry(rep session.Report) storage.RunEntry {
	e := storage.RunEntry{
		At:             rep.Started.Add(rep.Took),
		RunID:          rep.RunID,
		Session:        rep.Session,
		TasksCompleted: rep.TasksCompleted,
		TaskRewards:    rep.TaskRewards,
		InitialBalance: rep.InitialBalance,
		FinalBalance:   rep.FinalBalance,
		SleepSeconds:   int64(rep.Sleep / time.Second),
		TookMS:         rep.Took.Milliseconds(),
	}
	if !rep.BalanceKnown {
		e.InitialBalance = rep.FinalBalance
	}
	if rep.Started.IsZero() {
		e.At = time.Now()
	}
	if rep.Err != nil {
		e.Error = rep.Err.Error()
	}
	return e
}
