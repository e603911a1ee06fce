package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvith/match-server/internal/color"
	"github.com/corvith/match-server/pkg/messages"
	"github.com/corvith/match-server/pkg/store"
)

const fastTick = 10 * time.Millisecond

func TestWaitingSessionNeverTicks(t *testing.T) {
	m, fb, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 1})
	time.Sleep(100 * time.Millisecond)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, rec.Status)
	assert.Equal(t, int64(1), rec.WhiteClock)
	assert.Empty(t, fb.events(messages.EventGameOver))
}

func TestTickDecrementsSideToMove(t *testing.T) {
	m, _, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 600})
	mustJoin(t, m, res.SessionID, "black")

	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, res.SessionID)
		return err == nil && rec.WhiteClock <= 595
	}, 2*time.Second, fastTick)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	// Only the side to move loses time.
	assert.Equal(t, int64(600), rec.BlackClock)
	assert.Equal(t, store.StatusActive, rec.Status)
}

func TestTimeoutFlagsSideToMove(t *testing.T) {
	m, fb, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 1})
	mustJoin(t, m, res.SessionID, "black")

	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, res.SessionID)
		return err == nil && rec.Terminal()
	}, 2*time.Second, fastTick)

	// Let any straggling ticker firings happen before inspecting emissions.
	time.Sleep(100 * time.Millisecond)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, store.OutcomeBlack, rec.Outcome)
	assert.Equal(t, int64(0), rec.WhiteClock)
	assert.Equal(t, int64(1), rec.BlackClock)

	overs := fb.events(messages.EventGameOver)
	require.Len(t, overs, 1)
	payload := overs[0].payload.(messages.GameOverPayload)
	assert.Equal(t, store.OutcomeBlack, payload.Outcome)
	assert.Equal(t, ReasonTimeout, payload.Reason)

	// No clock updates after the game ended.
	seq := fb.sequence()
	overIdx := -1
	for i, e := range seq {
		if e.event == messages.EventGameOver {
			overIdx = i
		}
	}
	require.GreaterOrEqual(t, overIdx, 0)
	for _, e := range seq[overIdx+1:] {
		assert.NotEqual(t, messages.EventClockUpdate, e.event)
	}
}

func TestTickerStopsOnResign(t *testing.T) {
	m, _, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 600})
	mustJoin(t, m, res.SessionID, "black")
	require.NoError(t, m.Resign(ctx, res.SessionID, "black"))

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	clockAtResign := rec.WhiteClock

	time.Sleep(100 * time.Millisecond)

	rec, err = st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, clockAtResign, rec.WhiteClock)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestMoveSwitchesTickedClock(t *testing.T) {
	m, _, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 600})
	mustJoin(t, m, res.SessionID, "black")

	_, err := m.ApplyMove(ctx, res.SessionID, "white", "e2", "e4", "")
	require.NoError(t, err)

	// After white's move only black's clock runs down.
	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, res.SessionID)
		return err == nil && rec.BlackClock <= 595
	}, 2*time.Second, fastTick)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.WhiteClock, int64(595))
}

func TestRejoinDoesNotDoubleTick(t *testing.T) {
	m, _, st := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 600})
	mustJoin(t, m, res.SessionID, "black")

	require.NoError(t, m.HandleDisconnect(ctx, res.SessionID, "black"))
	join, err := m.Join(ctx, res.SessionID, "black2", "web")
	require.NoError(t, err)
	assert.True(t, join.Reconnected)

	time.Sleep(275 * time.Millisecond)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	// Roughly one decrement per period since creation; a doubled ticker
	// would have drained twice as fast.
	assert.GreaterOrEqual(t, rec.WhiteClock, int64(590))
	assert.LessOrEqual(t, rec.WhiteClock, int64(599))
}

func TestTimeoutDuringBlackTurn(t *testing.T) {
	m, fb, st := newTestManager(t, fastTick)
	ctx := context.Background()

	res := mustCreate(t, m, "white", CreateOptions{InitialTime: 120})
	mustJoin(t, m, res.SessionID, "black")

	// Force black to one second and hand them the turn.
	_, err := m.ApplyMove(ctx, res.SessionID, "white", "e2", "e4", "")
	require.NoError(t, err)

	rec, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	rec.SetClock(color.Black, 1)
	require.NoError(t, st.Update(ctx, rec))
	m.mu.RLock()
	e := m.entries[res.SessionID]
	m.mu.RUnlock()
	e.mu.Lock()
	e.rec.SetClock(color.Black, 1)
	e.mu.Unlock()

	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, res.SessionID)
		return err == nil && rec.Terminal()
	}, 2*time.Second, fastTick)

	rec, err = st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeWhite, rec.Outcome)

	overs := fb.events(messages.EventGameOver)
	require.Len(t, overs, 1)
}
