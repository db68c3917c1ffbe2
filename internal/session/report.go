package session

import "time"

// Report is the outcome of one worker run.
type Report struct {
	RunID   string
	Session string
	Started time.Time
	Took    time.Duration

	Registered bool
	// BalanceKnown is set when the balance was read at login. Without it
	// InitialBalance is meaningless and the run reports no gain.
	BalanceKnown   bool
	InitialBalance float64
	FinalBalance   float64
	StoryRewards   float64
	TasksCompleted int
	TaskRewards    float64
	FarmingReward  float64

	// Sleep is the requested cooldown; zero means none.
	Sleep time.Duration
	// Err is set when the run was aborted.
	Err error
}

// Gain is the balance delta over the run, zero when the starting balance
// was never read.
func (r Report) Gain() float64 {
	if !r.BalanceKnown {
		return 0
	}
	return r.FinalBalance - r.InitialBalance
}

// SleepRequested reports whether the run asked to be parked.
func (r Report) SleepRequested() bool { return r.Sleep > 0 }
