package farming

import (
	"context"
	"errors"
	"testing"
	"time"

	"nutsfarm/internal/api"
	"nutsfarm/internal/pace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNextFarmingRoundTrip(t *testing.T) {
	st := api.FarmingState{
		Status:   api.FarmingActive,
		FinishAt: t0.Add(3600 * time.Second).Format(time.RFC3339),
	}
	d := Next(st, t0.Add(100*time.Second), time.Minute)
	require.Equal(t, ActionSleep, d.Action)
	assert.InDelta(t, float64(3500*time.Second+time.Minute), float64(d.Sleep), float64(time.Second))
}

func TestNextTable(t *testing.T) {
	for _, tc := range []struct {
		name string
		st   api.FarmingState
		want Action
	}{
		{"ready", api.FarmingState{Status: api.FarmingReady}, ActionStart},
		{"claimable", api.FarmingState{Status: "FARMED"}, ActionClaim},
		{"elapsed", api.FarmingState{Status: api.FarmingActive, FinishAt: "2024-06-01T11:00:00Z"}, ActionClaim},
		{"zoneless", api.FarmingState{Status: api.FarmingActive, FinishAt: "2024-06-01T13:00:00.000"}, ActionSleep},
		{"unparseable", api.FarmingState{Status: api.FarmingActive, FinishAt: "tomorrow"}, ActionNone},
		{"missing finish", api.FarmingState{Status: api.FarmingActive}, ActionNone},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Next(tc.st, t0, time.Minute).Action)
		})
	}
}

type fakeFarm struct {
	states   []api.FarmingState
	claimErr error
	startErr error
	claims   int
	starts   int
}

func (f *fakeFarm) FarmingStatus(ctx context.Context) (api.FarmingState, error) {
	if len(f.states) == 0 {
		return api.FarmingState{}, errors.New("no state")
	}
	st := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return st, nil
}

func (f *fakeFarm) StartFarming(ctx context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeFarm) ClaimFarming(ctx context.Context) (float64, error) {
	f.claims++
	return 120, f.claimErr
}

func newController(f *fakeFarm) *Controller {
	rec := &pace.Recorder{}
	return NewController(f, Options{
		SafetyMargin: time.Minute,
		Step:         pace.Fixed(time.Second),
		Rand:         pace.NewRand(1),
		Sleep:        rec.Sleep,
		Now:          func() time.Time { return t0 },
	})
}

func farmingUntil(d time.Duration) api.FarmingState {
	return api.FarmingState{Status: api.FarmingActive, FinishAt: t0.Add(d).Format(time.RFC3339)}
}

func TestRunSleepsWhileFarming(t *testing.T) {
	f := &fakeFarm{states: []api.FarmingState{farmingUntil(time.Hour)}}
	res, err := newController(f).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Hour+time.Minute, res.Sleep)
	assert.Zero(t, f.claims)
	assert.Zero(t, f.starts)
}

func TestRunStartsWhenReady(t *testing.T) {
	f := &fakeFarm{states: []api.FarmingState{{Status: api.FarmingReady}, farmingUntil(4 * time.Hour)}}
	res, err := newController(f).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.False(t, res.Claimed)
	assert.Equal(t, 4*time.Hour+time.Minute, res.Sleep)
}

func TestRunClaimsThenStarts(t *testing.T) {
	f := &fakeFarm{states: []api.FarmingState{{Status: "FARMED"}, farmingUntil(4 * time.Hour)}}
	res, err := newController(f).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.Equal(t, 120.0, res.Reward)
	assert.Equal(t, 1, f.starts)
	assert.Equal(t, 4*time.Hour+time.Minute, res.Sleep)
}

func TestRunFailureRequestsNoSleep(t *testing.T) {
	f := &fakeFarm{states: []api.FarmingState{{Status: "FARMED"}}, claimErr: errors.New("nope")}
	res, err := newController(f).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, res.Sleep)
	assert.Zero(t, f.starts)

	f = &fakeFarm{states: []api.FarmingState{{Status: api.FarmingReady}}, startErr: errors.New("nope")}
	res, err = newController(f).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, res.Sleep)
}

func TestRunUnknownStateTakesNoAction(t *testing.T) {
	f := &fakeFarm{states: []api.FarmingState{{Status: api.FarmingActive, FinishAt: "garbage"}}}
	res, err := newController(f).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.Zero(t, res.Sleep)
	assert.Zero(t, f.claims+f.starts)
}
