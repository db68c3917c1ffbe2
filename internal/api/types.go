package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a remote identifier. The service sends some ids as numbers and some
// as strings; both decode to the same text.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// TaskKind is the closed set of task flavors the orchestrator understands.
type TaskKind int

const (
	TaskUnsupported TaskKind = iota
	TaskSubscription
	TaskExternalLink
)

func (k TaskKind) String() string {
	switch k {
	case TaskSubscription:
		return "subscription"
	case TaskExternalLink:
		return "external_link"
	default:
		return "unsupported"
	}
}

const (
	rawTaskSubscription = "TELEGRAM_CHANNEL_SUBSCRIPTION"
	rawTaskURL          = "URL"
)

// TaskType keeps the wire name next to the parsed kind; the wire name is
// echoed back on start/verify.
type TaskType struct {
	Kind TaskKind
	Raw  string
}

func ParseTaskType(raw string) TaskType {
	switch raw {
	case rawTaskSubscription:
		return TaskType{Kind: TaskSubscription, Raw: raw}
	case rawTaskURL:
		return TaskType{Kind: TaskExternalLink, Raw: raw}
	default:
		return TaskType{Kind: TaskUnsupported, Raw: raw}
	}
}

func (t TaskType) String() string { return t.Raw }

// TaskStatus is the server-authoritative lifecycle of a started task.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NOT_STARTED"
	TaskPending    TaskStatus = "PENDING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskClaimed    TaskStatus = "CLAIMED"
)

// Task is an entry of the active task catalogue.
type Task struct {
	ID        ID
	Title     string
	Type      TaskType
	Reward    float64
	Link      string
	ChannelID int64
}

type activeTaskWire struct {
	Title             string `json:"title"`
	Link              string `json:"link"`
	TelegramChannelID *int64 `json:"telegramChannelId"`
	Task              struct {
		ID     ID      `json:"id"`
		Type   string  `json:"type"`
		Reward float64 `json:"reward"`
	} `json:"task"`
}

func (w activeTaskWire) task() Task {
	t := Task{
		ID:     w.Task.ID,
		Title:  w.Title,
		Type:   ParseTaskType(w.Task.Type),
		Reward: w.Task.Reward,
		Link:   w.Link,
	}
	if w.TelegramChannelID != nil {
		t.ChannelID = *w.TelegramChannelID
	}
	return t
}

// UserTask is this account's progress on a task. ID is the completion id.
type UserTask struct {
	ID     ID         `json:"id"`
	TaskID ID         `json:"taskId"`
	Status TaskStatus `json:"status"`
}

// User is the account profile.
type User struct {
	Balance                float64 `json:"balance"`
	Username               string  `json:"username"`
	FirstName              string  `json:"firstname"`
	LastName               string  `json:"lastname"`
	CryptonProfileUsername string  `json:"cryptonProfileUsername"`
	TonWallet              string  `json:"tonWallet"`
	StartBonusClaimed      bool    `json:"isStartBonusClaimed"`
}

// DisplayName prefers the username, then the full name.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// Streak is the daily streak state.
type Streak struct {
	RewardReceivedToday bool    `json:"streakRewardReceivedToday"`
	DaysMissed          int     `json:"daysMissed"`
	FreezeCost          float64 `json:"missedDaysFreezeCost"`
	Today               struct {
		DayNumber  int     `json:"dayNumber"`
		NutsReward float64 `json:"nutsReward"`
	} `json:"todayStreakInfo"`
}

type storyWire struct {
	ID ID `json:"id"`
}

type readStoryWire struct {
	Story storyWire `json:"story"`
}

// Farming status names as sent by the service. Anything else means a reward is claimable.
const (
	FarmingActive = "FARMING"
	FarmingReady  = "READY_TO_FARM"
)

// FarmingState is the raw farming observation; FinishAt is ISO-8601 UTC.
type FarmingState struct {
	Status   string `json:"status"`
	FinishAt string `json:"lastFarmingFinishAt"`
}
