package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nutsfarm/internal/api"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/storage"
	"nutsfarm/internal/subscribe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves scripted "current tasks" listings; the last one repeats.
type fakeAPI struct {
	mu       sync.Mutex
	listings [][]api.UserTask
	listErr  error
	startID  api.ID
	ack      string
	reward   float64
	// claimErrs fail claims in order before reward is returned.
	claimErrs []error

	lists    int
	starts   int
	verifies int
	claims   []api.ID
}

func (f *fakeAPI) CurrentTasks(ctx context.Context) ([]api.UserTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.listings) == 0 {
		return nil, nil
	}
	out := f.listings[0]
	if len(f.listings) > 1 {
		f.listings = f.listings[1:]
	}
	return out, nil
}

func (f *fakeAPI) StartTask(ctx context.Context, t api.Task) (api.ID, error) {
	f.starts++
	return f.startID, nil
}

func (f *fakeAPI) VerifyTask(ctx context.Context, id api.ID, t api.Task) (string, error) {
	f.verifies++
	return f.ack, nil
}

func (f *fakeAPI) ClaimTask(ctx context.Context, id api.ID) (float64, error) {
	f.claims = append(f.claims, id)
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return 0, err
	}
	return f.reward, nil
}

func newMachine(f *fakeAPI, opts Options) (*Machine, *pace.Recorder) {
	rec := &pace.Recorder{}
	opts.Session = "alice"
	opts.PollInterval = pace.Range{Min: 3 * time.Second, Max: 5 * time.Second}
	if opts.PollAttempts == 0 {
		opts.PollAttempts = 10
	}
	opts.Rand = pace.NewRand(7)
	opts.Sleep = rec.Sleep
	return New(f, opts), rec
}

var urlTask = api.Task{ID: "5", Title: "Visit", Type: api.ParseTaskType("URL"), Reward: 10}

func TestURLTaskStartPollClaim(t *testing.T) {
	f := &fakeAPI{
		startID: "900",
		reward:  10,
		listings: [][]api.UserTask{
			{},
			{{ID: "900", TaskID: "5", Status: api.TaskPending}},
			{{ID: "900", TaskID: "5", Status: api.TaskCompleted}},
		},
	}
	m, rec := newMachine(f, Options{})

	res, err := m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Reward)
	assert.Equal(t, StateClaimed, res.State)
	assert.Equal(t, 1, f.starts)
	assert.Zero(t, f.verifies)
	assert.Equal(t, []api.ID{"900"}, f.claims)
	assert.Equal(t, 2, rec.Count())
	for _, d := range rec.Delays {
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestAlreadyClaimedShortCircuits(t *testing.T) {
	f := &fakeAPI{listings: [][]api.UserTask{{{ID: "900", TaskID: "5", Status: api.TaskClaimed}}}}
	m, _ := newMachine(f, Options{})

	for i := 0; i < 2; i++ {
		res, err := m.Run(context.Background(), urlTask)
		require.NoError(t, err)
		assert.True(t, res.Already)
	}
	assert.Zero(t, f.starts)
	assert.Empty(t, f.claims)
}

func TestCompletedGoesStraightToClaimOnce(t *testing.T) {
	f := &fakeAPI{reward: 10, listings: [][]api.UserTask{{{ID: "900", TaskID: "5", Status: api.TaskCompleted}}}}
	m, _ := newMachine(f, Options{Ledger: storage.NewMemory()})

	res, err := m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Reward)

	res, err = m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.True(t, res.Already)
	assert.Equal(t, []api.ID{"900"}, f.claims)
	assert.Zero(t, f.starts)
}

func TestFailedClaimIsRetriedNextRun(t *testing.T) {
	f := &fakeAPI{
		reward:    10,
		claimErrs: []error{api.ErrExhaustedRetries},
		listings:  [][]api.UserTask{{{ID: "900", TaskID: "5", Status: api.TaskCompleted}}},
	}
	m, _ := newMachine(f, Options{Ledger: storage.NewMemory()})

	res, err := m.Run(context.Background(), urlTask)
	require.ErrorIs(t, err, api.ErrExhaustedRetries)
	assert.Equal(t, StateFailed, res.State)

	res, err = m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, res.State)
	assert.Equal(t, 10.0, res.Reward)
	assert.Equal(t, []api.ID{"900", "900"}, f.claims)
	assert.Zero(t, f.starts)
}

func TestZeroRewardClaimIsRetriedNextRun(t *testing.T) {
	f := &fakeAPI{listings: [][]api.UserTask{{{ID: "900", TaskID: "5", Status: api.TaskCompleted}}}}
	m, _ := newMachine(f, Options{})

	_, err := m.Run(context.Background(), urlTask)
	require.ErrorIs(t, err, ErrClaimRejected)

	f.reward = 4
	res, err := m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Reward)
	assert.Len(t, f.claims, 2)
}

func TestLedgerPreventsSecondClaimAcrossMachines(t *testing.T) {
	ledger := storage.NewMemory()
	listing := [][]api.UserTask{{{ID: "900", TaskID: "5", Status: api.TaskCompleted}}}

	f1 := &fakeAPI{reward: 10, listings: listing}
	m1, _ := newMachine(f1, Options{Ledger: ledger})
	_, err := m1.Run(context.Background(), urlTask)
	require.NoError(t, err)

	f2 := &fakeAPI{reward: 10, listings: listing}
	m2, _ := newMachine(f2, Options{Ledger: ledger})
	res, err := m2.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.True(t, res.Already)
	assert.Zero(t, f2.lists)
	assert.Empty(t, f2.claims)
}

func TestPendingReusesCompletionID(t *testing.T) {
	f := &fakeAPI{reward: 3, listings: [][]api.UserTask{
		{{ID: "77", TaskID: "5", Status: api.TaskPending}},
		{{ID: "77", TaskID: "5", Status: api.TaskCompleted}},
	}}
	m, _ := newMachine(f, Options{})

	res, err := m.Run(context.Background(), urlTask)
	require.NoError(t, err)
	assert.Equal(t, api.ID("77"), res.CompletionID)
	assert.Zero(t, f.starts)
}

func TestSubscriptionNeedsSideActionAndAck(t *testing.T) {
	sub := api.Task{ID: "6", Type: api.ParseTaskType("TELEGRAM_CHANNEL_SUBSCRIPTION"), ChannelID: -100, Link: "https://t.me/x"}
	var joined []subscribe.Request
	performer := subscribe.PerformerFunc(func(ctx context.Context, req subscribe.Request) error {
		joined = append(joined, req)
		return nil
	})

	f := &fakeAPI{startID: "1", ack: VerifyAck, reward: 50, listings: [][]api.UserTask{
		{},
		{{ID: "1", TaskID: "6", Status: api.TaskCompleted}},
	}}
	m, _ := newMachine(f, Options{Subscriber: performer})
	res, err := m.Run(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Reward)
	require.Len(t, joined, 1)
	assert.Equal(t, "alice", joined[0].Session)
	assert.EqualValues(t, -100, joined[0].ChannelID)
	assert.Equal(t, 1, f.verifies)

	f = &fakeAPI{startID: "2", ack: "REJECTED", listings: [][]api.UserTask{{}}}
	m, _ = newMachine(f, Options{Subscriber: performer})
	_, err = m.Run(context.Background(), sub)
	require.ErrorIs(t, err, ErrVerifyRejected)
	assert.Empty(t, f.claims)
}

func TestSubscriptionFailsWhenSideActionFails(t *testing.T) {
	sub := api.Task{ID: "6", Type: api.ParseTaskType("TELEGRAM_CHANNEL_SUBSCRIPTION")}
	f := &fakeAPI{startID: "1", ack: VerifyAck}
	m, _ := newMachine(f, Options{})

	_, err := m.Run(context.Background(), sub)
	require.ErrorIs(t, err, subscribe.ErrDisabled)
	assert.Zero(t, f.verifies)
}

func TestPollExhaustion(t *testing.T) {
	f := &fakeAPI{startID: "1", listings: [][]api.UserTask{{}, {{ID: "1", TaskID: "5", Status: api.TaskPending}}}}
	m, rec := newMachine(f, Options{PollAttempts: 4})

	_, err := m.Run(context.Background(), urlTask)
	require.ErrorIs(t, err, ErrVerificationTimeout)
	assert.Equal(t, 4, rec.Count())
	assert.Empty(t, f.claims)
}

func TestZeroRewardIsFailure(t *testing.T) {
	f := &fakeAPI{reward: 0, listings: [][]api.UserTask{{{ID: "9", TaskID: "5", Status: api.TaskCompleted}}}}
	m, _ := newMachine(f, Options{})
	_, err := m.Run(context.Background(), urlTask)
	assert.ErrorIs(t, err, ErrClaimRejected)
}

func TestListingFailureFailsTask(t *testing.T) {
	f := &fakeAPI{listErr: errors.New("down")}
	m, _ := newMachine(f, Options{})
	_, err := m.Run(context.Background(), urlTask)
	require.Error(t, err)
	assert.Zero(t, f.starts)
}

func TestUnsupportedType(t *testing.T) {
	m, _ := newMachine(&fakeAPI{}, Options{})
	_, err := m.Run(context.Background(), api.Task{ID: "1", Type: api.ParseTaskType("BOOST")})
	assert.ErrorIs(t, err, ErrUnsupported)
}
