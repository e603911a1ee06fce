package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corvith/match-server/internal/color"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	s, err := New(fmt.Sprintf("redis://%s/0", mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func testRecord(id string, status Status, lastActivity time.Time) *Record {
	conn := "conn-" + id
	return &Record{
		SessionID:    id,
		FEN:          "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		Seats:        []Seat{{ConnectionID: &conn, Color: color.White, Platform: "web"}},
		Status:       status,
		InitialTime:  600,
		WhiteClock:   600,
		BlackClock:   600,
		CreatedAt:    lastActivity,
		LastActivity: lastActivity,
	}
}

func TestNewParsesURLOptions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	// Query options and an explicit database are part of the URL contract.
	s, err := New(fmt.Sprintf("redis://%s/2?dial_timeout=1s&read_timeout=1s", mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := testRecord("s1", StatusWaiting, time.Now())
	require.NoError(t, s.Create(context.Background(), rec))

	got, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("http://localhost:6379", zap.NewNop())
	require.Error(t, err)

	_, err = New("   ", zap.NewNop())
	require.Error(t, err)
}

func TestCreateGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("s1", StatusWaiting, time.Now())
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.FEN, got.FEN)
	assert.Equal(t, StatusWaiting, got.Status)
	require.Len(t, got.Seats, 1)
	require.NotNil(t, got.Seats[0].ConnectionID)
	assert.Equal(t, "conn-s1", *got.Seats[0].ConnectionID)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteSetsTTL(t *testing.T) {
	s, mr := newTestStore(t)

	require.NoError(t, s.Create(context.Background(), testRecord("s1", StatusWaiting, time.Now())))
	assert.Equal(t, RecordTTL, mr.TTL("session:s1"))
}

func TestListActiveOrdersByRecency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Create(ctx, testRecord("old", StatusActive, base.Add(-2*time.Hour))))
	require.NoError(t, s.Create(ctx, testRecord("new", StatusActive, base)))
	require.NoError(t, s.Create(ctx, testRecord("mid", StatusActive, base.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, testRecord("done", StatusCompleted, base)))
	require.NoError(t, s.Create(ctx, testRecord("wait", StatusWaiting, base)))

	records, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "new", records[0].SessionID)
	assert.Equal(t, "mid", records[1].SessionID)
	assert.Equal(t, "old", records[2].SessionID)
}

func TestListActiveHonorsLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, s.Create(ctx, testRecord(id, StatusActive, time.Now().Add(time.Duration(i)*time.Minute))))
	}

	records, err := s.ListActive(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestTerminalUpdateLeavesActiveIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("s1", StatusActive, time.Now())
	require.NoError(t, s.Create(ctx, rec))

	rec.Status = StatusCompleted
	rec.Outcome = OutcomeWhite
	require.NoError(t, s.Update(ctx, rec))

	records, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	// The record itself is still readable until its TTL expires.
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMarkAbandonedIdle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Create(ctx, testRecord("stale", StatusActive, now.Add(-30*time.Minute))))
	require.NoError(t, s.Create(ctx, testRecord("fresh", StatusActive, now)))

	swept, err := s.MarkAbandonedIdle(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, swept)

	stale, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, stale.Status)

	fresh, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, fresh.Status)

	records, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].SessionID)
}

func TestRecordHelpers(t *testing.T) {
	conn := "c1"
	rec := &Record{
		Seats: []Seat{
			{ConnectionID: &conn, Color: color.White},
			{ConnectionID: nil, Color: color.Black},
		},
		WhiteClock: 10,
		BlackClock: 20,
	}

	require.NotNil(t, rec.Seat(color.White))
	require.NotNil(t, rec.Seat(color.Black))
	assert.Nil(t, rec.SeatByConnection("unknown"))
	assert.Equal(t, color.White, rec.SeatByConnection("c1").Color)

	assert.Equal(t, int64(10), rec.Clock(color.White))
	rec.SetClock(color.White, -5)
	assert.Equal(t, int64(0), rec.Clock(color.White))

	assert.False(t, rec.Terminal())
	rec.Status = StatusAbandoned
	assert.True(t, rec.Terminal())
}
