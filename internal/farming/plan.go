// Package farming drives the farm -> claim -> farm cycle for one account.
package farming

import (
	"strings"
	"time"

	"nutsfarm/internal/api"
)

// Action is what the controller should do after observing the farming state.
type Action int

const (
	// ActionNone: the state could not be interpreted; do nothing and stay eligible.
	ActionNone Action = iota
	// ActionSleep: farming is running; come back after Decision.Sleep.
	ActionSleep
	// ActionStart: nothing to claim, start a new round.
	ActionStart
	// ActionClaim: a reward is waiting; claim it, then start a new round.
	ActionClaim
)

func (a Action) String() string {
	switch a {
	case ActionSleep:
		return "sleep"
	case ActionStart:
		return "start"
	case ActionClaim:
		return "claim"
	default:
		return "none"
	}
}

// Decision is the outcome of Next.
type Decision struct {
	Action   Action
	Sleep    time.Duration
	FinishAt time.Time
}

var finishLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseFinish parses the service's finish timestamp. Values without a zone
// are UTC.
func ParseFinish(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range finishLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Next maps an observation to an action. It is pure: now and margin are inputs.
//
// A FARMING state whose finish time has already passed is treated as
// claimable; a FARMING state whose finish time cannot be read yields
// ActionNone.
func Next(st api.FarmingState, now time.Time, margin time.Duration) Decision {
	switch st.Status {
	case api.FarmingActive:
		finish, ok := ParseFinish(st.FinishAt)
		if !ok {
			return Decision{Action: ActionNone}
		}
		if remaining := finish.Sub(now); remaining > 0 {
			return Decision{Action: ActionSleep, Sleep: remaining + margin, FinishAt: finish}
		}
		return Decision{Action: ActionClaim, FinishAt: finish}
	case api.FarmingReady:
		return Decision{Action: ActionStart}
	default:
		return Decision{Action: ActionClaim}
	}
}
