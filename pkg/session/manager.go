// Package session orchestrates the lifecycle of two-player timed sessions:
// creation, joining, move application, clock accounting and termination. All
// state mutation for one session runs under that session's own lock; sessions
// never block each other.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvith/match-server/internal/color"
	"github.com/corvith/match-server/pkg/archive"
	"github.com/corvith/match-server/pkg/events"
	"github.com/corvith/match-server/pkg/messages"
	"github.com/corvith/match-server/pkg/rules"
	"github.com/corvith/match-server/pkg/store"
)

// Default time control when the creator does not request one.
const (
	DefaultInitialTime int64 = 600 // seconds
	DefaultIncrement   int64 = 0
)

// Reasons recorded when a session terminates.
const (
	ReasonCheckmate   = "checkmate"
	ReasonDraw        = "draw"
	ReasonResignation = "resignation"
	ReasonTimeout     = "timeout"
	ReasonAbandoned   = "abandoned"
)

// entry is the cached live state of one session. The durable record is
// authoritative for recovery; the entry is authoritative for "currently
// playable" and is always rebuilt from the record on a cache miss.
type entry struct {
	mu sync.Mutex

	rec  *store.Record
	pos  *rules.Position
	conn map[color.Color]string // empty string while a seat is disconnected

	tickStop chan struct{} // non-nil while a ticker runs for this session
}

// Manager owns the session cache and drives every session transition.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store     *store.Store
	archive   *archive.Repository // optional
	bc        Broadcaster
	publisher *events.Publisher
	logger    *zap.Logger

	tickPeriod time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTickPeriod overrides the wall-clock period of one tick unit.
func WithTickPeriod(d time.Duration) Option {
	return func(m *Manager) { m.tickPeriod = d }
}

// WithArchive attaches a repository for persisting terminal sessions.
func WithArchive(r *archive.Repository) Option {
	return func(m *Manager) { m.archive = r }
}

// NewManager creates a manager backed by the given store.
func NewManager(st *store.Store, publisher *events.Publisher, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		entries:    make(map[string]*entry),
		store:      st,
		publisher:  publisher,
		logger:     logger,
		tickPeriod: DefaultTickPeriod,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.setupEventHandlers()

	return m
}

// setupEventHandlers wires the manager into the event publisher
func (m *Manager) setupEventHandlers() {
	// Handle connection closed events
	m.publisher.Subscribe(events.EventConnectionClosed, func(event events.Event) {
		payload, ok := event.Payload.(events.ConnectionClosedPayload)
		if !ok {
			m.logger.Error("invalid connection closed payload type")
			return
		}
		for _, sessionID := range payload.SessionIDs {
			if err := m.HandleDisconnect(context.Background(), sessionID, payload.ConnectionID); err != nil {
				m.logger.Error("failed to detach closed connection",
					zap.String("session_id", sessionID),
					zap.String("connection_id", payload.ConnectionID),
					zap.Error(err))
			}
		}
	})
}

// SetBroadcaster wires the connection-group boundary. Must be called before
// the manager handles any inbound action.
func (m *Manager) SetBroadcaster(bc Broadcaster) {
	m.bc = bc
}

// CreateOptions are the creator's requested color and time control.
type CreateOptions struct {
	Color       color.Color
	InitialTime int64 // seconds
	Increment   int64 // seconds per move
}

// CreateResult summarizes a freshly created session.
type CreateResult struct {
	SessionID   string
	Color       color.Color
	FEN         string
	InitialTime int64
	Increment   int64
	WhiteClock  int64
	BlackClock  int64
}

// Create builds a new waiting session with the initiator seated. A store
// write failure is fatal to the call and propagated, not retried.
func (m *Manager) Create(ctx context.Context, connID, platform string, opts CreateOptions) (*CreateResult, error) {
	c := opts.Color
	if !c.Valid() {
		c = color.White
	}
	initial := opts.InitialTime
	if initial <= 0 {
		initial = DefaultInitialTime
	}
	increment := opts.Increment
	if increment < 0 {
		increment = DefaultIncrement
	}

	pos := rules.NewPosition()
	now := time.Now()
	rec := &store.Record{
		SessionID:    uuid.NewString(),
		FEN:          pos.FEN(),
		Seats:        []store.Seat{{ConnectionID: &connID, Color: c, Platform: platform}},
		Status:       store.StatusWaiting,
		InitialTime:  initial,
		Increment:    increment,
		WhiteClock:   initial,
		BlackClock:   initial,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	e := &entry{
		rec:  rec,
		pos:  pos,
		conn: map[color.Color]string{c: connID},
	}
	m.mu.Lock()
	m.entries[rec.SessionID] = e
	m.mu.Unlock()

	m.bc.JoinGroup(rec.SessionID, connID)
	m.bc.EmitTo(connID, messages.EventSessionCreated, messages.SessionCreatedPayload{
		SessionID:   rec.SessionID,
		Color:       c,
		InitialFEN:  rec.FEN,
		InitialTime: initial,
		Increment:   increment,
		WhiteClock:  rec.WhiteClock,
		BlackClock:  rec.BlackClock,
	})

	m.logger.Info("created session",
		zap.String("session_id", rec.SessionID),
		zap.String("connection_id", connID),
		zap.String("color", string(c)),
		zap.Int64("initial_time", initial),
		zap.Int64("increment", increment))

	return &CreateResult{
		SessionID:   rec.SessionID,
		Color:       c,
		FEN:         rec.FEN,
		InitialTime: initial,
		Increment:   increment,
		WhiteClock:  rec.WhiteClock,
		BlackClock:  rec.BlackClock,
	}, nil
}

// JoinResult summarizes the state handed to a joining player.
type JoinResult struct {
	SessionID        string
	Color            color.Color
	FEN              string
	MovesSAN         []string
	OpponentPlatform string
	InitialTime      int64
	Increment        int64
	WhiteClock       int64
	BlackClock       int64
	Reconnected      bool
}

// Join seats a second player, or re-seats a disconnected one. Seating the
// second player flips the session to active and is the sole trigger that
// starts clock ticking.
func (m *Manager) Join(ctx context.Context, sessionID, connID, platform string) (*JoinResult, error) {
	e, err := m.loadEntry(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	if rec.Terminal() {
		return nil, ErrSessionOver
	}

	if len(rec.Seats) >= 2 {
		return m.rejoinLocked(ctx, e, connID, platform)
	}

	c := rec.Seats[0].Color.Opp()
	now := time.Now()
	next := rec.Clone()
	next.Seats = append(next.Seats, store.Seat{ConnectionID: &connID, Color: c, Platform: platform})
	next.Status = store.StatusActive
	next.LastActivity = now

	if err := m.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("session: join: %w", err)
	}
	e.rec = next
	e.conn[c] = connID

	m.bc.JoinGroup(sessionID, connID)
	m.startTickerLocked(e)

	m.logger.Info("player joined session",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connID),
		zap.String("color", string(c)))

	res := m.joinResultLocked(e, c, false)
	m.emitJoinLocked(e, connID, c, platform)
	return res, nil
}

// rejoinLocked handles reconnection into a vacant seat of a full roster.
func (m *Manager) rejoinLocked(ctx context.Context, e *entry, connID, platform string) (*JoinResult, error) {
	rec := e.rec
	var vacant *store.Seat
	for i := range rec.Seats {
		if rec.Seats[i].ConnectionID == nil {
			vacant = &rec.Seats[i]
			break
		}
	}
	if vacant == nil {
		return nil, ErrSessionFull
	}

	c := vacant.Color
	next := rec.Clone()
	seat := next.Seat(c)
	seat.ConnectionID = &connID
	if platform != "" {
		seat.Platform = platform
	}
	next.LastActivity = time.Now()

	if err := m.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("session: rejoin: %w", err)
	}
	e.rec = next
	e.conn[c] = connID

	m.bc.JoinGroup(rec.SessionID, connID)
	if next.Status == store.StatusActive && e.tickStop == nil {
		m.startTickerLocked(e)
	}

	m.logger.Info("player reconnected",
		zap.String("session_id", rec.SessionID),
		zap.String("connection_id", connID),
		zap.String("color", string(c)))

	res := m.joinResultLocked(e, c, true)
	m.emitJoinLocked(e, connID, c, platform)
	return res, nil
}

func (m *Manager) joinResultLocked(e *entry, c color.Color, reconnected bool) *JoinResult {
	rec := e.rec
	opponentPlatform := ""
	if seat := rec.Seat(c.Opp()); seat != nil {
		opponentPlatform = seat.Platform
	}
	return &JoinResult{
		SessionID:        rec.SessionID,
		Color:            c,
		FEN:              rec.FEN,
		MovesSAN:         append([]string(nil), rec.MovesSAN...),
		OpponentPlatform: opponentPlatform,
		InitialTime:      rec.InitialTime,
		Increment:        rec.Increment,
		WhiteClock:       rec.WhiteClock,
		BlackClock:       rec.BlackClock,
		Reconnected:      reconnected,
	}
}

func (m *Manager) emitJoinLocked(e *entry, connID string, c color.Color, platform string) {
	rec := e.rec
	res := m.joinResultLocked(e, c, false)
	m.bc.EmitTo(connID, messages.EventSessionJoined, messages.SessionJoinedPayload{
		SessionID:        rec.SessionID,
		Color:            c,
		FEN:              res.FEN,
		MovesSAN:         res.MovesSAN,
		OpponentPlatform: res.OpponentPlatform,
		InitialTime:      res.InitialTime,
		Increment:        res.Increment,
		WhiteClock:       res.WhiteClock,
		BlackClock:       res.BlackClock,
	})
	if opp := e.conn[c.Opp()]; opp != "" {
		m.bc.EmitTo(opp, messages.EventOpponentJoined, messages.OpponentJoinedPayload{
			SessionID: rec.SessionID,
			Color:     c,
			Platform:  platform,
		})
	}
	m.emitClocksLocked(e)
}

func (m *Manager) emitClocksLocked(e *entry) {
	rec := e.rec
	m.bc.Emit(rec.SessionID, messages.EventClockUpdate, messages.ClockUpdatePayload{
		SessionID:   rec.SessionID,
		WhiteClock:  rec.WhiteClock,
		BlackClock:  rec.BlackClock,
		ActiveColor: e.pos.SideToMove(),
	})
}

// MoveOutput summarizes an accepted move.
type MoveOutput struct {
	SessionID  string
	UCI        string
	SAN        string
	FEN        string
	Turn       color.Color
	Mover      color.Color
	WhiteClock int64
	BlackClock int64
	GameOver   bool
	Outcome    string
	Reason     string
}

// ApplyMove validates and applies a move for the given connection. Each
// rejection is checked independently and short-circuits; a rejected move
// leaves position, clocks and status untouched.
func (m *Manager) ApplyMove(ctx context.Context, sessionID, connID, from, to, promotion string) (*MoveOutput, error) {
	e, err := m.cachedEntry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	if rec.Terminal() {
		return nil, ErrSessionOver
	}
	if rec.Status != store.StatusActive {
		return nil, ErrNotActive
	}
	seat := rec.SeatByConnection(connID)
	if seat == nil {
		return nil, ErrNotAParticipant
	}
	mover := seat.Color
	if mover != e.pos.SideToMove() {
		return nil, ErrWrongTurn
	}

	res, err := e.pos.Apply(from, to, promotion)
	if err != nil {
		return nil, ErrInvalidMove
	}

	now := time.Now()
	next := rec.Clone()
	// Increment is recomputed against the latest persisted clock so a racing
	// tick cannot be lost.
	if next.Increment > 0 {
		next.SetClock(mover, next.Clock(mover)+next.Increment)
	}
	next.FEN = res.FEN
	next.MovesUCI = append(next.MovesUCI, res.UCI)
	next.MovesSAN = append(next.MovesSAN, res.SAN)
	next.LastMoveAt = now
	next.LastActivity = now

	reason := ""
	if res.Terminal {
		next.Status = store.StatusCompleted
		if res.Draw {
			next.Outcome = store.OutcomeDraw
			reason = ReasonDraw
		} else {
			next.Outcome = string(res.Winner)
			reason = ReasonCheckmate
		}
	}

	if err := m.store.Update(ctx, next); err != nil {
		// The cache must not run ahead of the store: rebuild the live
		// position from the last persisted move list.
		if restored, rerr := rules.FromMoves(rec.MovesUCI); rerr == nil {
			e.pos = restored
		}
		return nil, fmt.Errorf("session: persist move: %w", err)
	}
	e.rec = next

	m.logger.Info("processed move",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connID),
		zap.String("move", res.UCI),
		zap.String("new_turn", string(res.SideToMove)))

	m.bc.Emit(sessionID, messages.EventMoveMade, messages.MoveMadePayload{
		SessionID: sessionID,
		UCI:       res.UCI,
		SAN:       res.SAN,
		FEN:       res.FEN,
		Turn:      res.SideToMove,
	})
	m.emitClocksLocked(e)

	if res.Terminal {
		m.finishLocked(e, reason)
		m.bc.Emit(sessionID, messages.EventGameOver, messages.GameOverPayload{
			SessionID: sessionID,
			Outcome:   next.Outcome,
			Reason:    reason,
		})
	}

	return &MoveOutput{
		SessionID:  sessionID,
		UCI:        res.UCI,
		SAN:        res.SAN,
		FEN:        res.FEN,
		Turn:       res.SideToMove,
		Mover:      mover,
		WhiteClock: next.WhiteClock,
		BlackClock: next.BlackClock,
		GameOver:   res.Terminal,
		Outcome:    next.Outcome,
		Reason:     reason,
	}, nil
}

// Resign ends the session in favor of the opponent.
func (m *Manager) Resign(ctx context.Context, sessionID, connID string) error {
	return m.terminate(ctx, sessionID, connID, func(mover color.Color) (string, string) {
		return string(mover.Opp()), ReasonResignation
	})
}

// AcceptDraw ends the session as an agreed draw.
func (m *Manager) AcceptDraw(ctx context.Context, sessionID, connID string) error {
	return m.terminate(ctx, sessionID, connID, func(color.Color) (string, string) {
		return store.OutcomeDraw, ReasonDraw
	})
}

func (m *Manager) terminate(ctx context.Context, sessionID, connID string, outcome func(mover color.Color) (string, string)) error {
	e, err := m.cachedEntry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	if rec.Terminal() {
		return ErrSessionOver
	}
	// A game outcome needs a game in progress: a waiting session has no
	// opponent to resign to or agree a draw with.
	if rec.Status != store.StatusActive {
		return ErrNotActive
	}
	seat := rec.SeatByConnection(connID)
	if seat == nil {
		return ErrNotAParticipant
	}

	result, reason := outcome(seat.Color)
	return m.completeLocked(ctx, e, result, reason)
}

// completeLocked transitions a session to completed, stops its ticker,
// archives it and emits the game-over event. Caller holds e.mu.
func (m *Manager) completeLocked(ctx context.Context, e *entry, outcome, reason string) error {
	next := e.rec.Clone()
	next.Status = store.StatusCompleted
	next.Outcome = outcome
	next.LastActivity = time.Now()

	if err := m.store.Update(ctx, next); err != nil {
		return fmt.Errorf("session: complete: %w", err)
	}
	e.rec = next
	m.stopTickerLocked(e)

	m.logger.Info("session completed",
		zap.String("session_id", next.SessionID),
		zap.String("outcome", outcome),
		zap.String("reason", reason))

	m.finishLocked(e, reason)
	m.bc.Emit(next.SessionID, messages.EventGameOver, messages.GameOverPayload{
		SessionID: next.SessionID,
		Outcome:   outcome,
		Reason:    reason,
	})
	return nil
}

// finishLocked runs the bookkeeping shared by every terminal path: ticker
// stop, archive write and the terminated event. Caller holds e.mu and has
// already persisted the terminal record.
func (m *Manager) finishLocked(e *entry, reason string) {
	m.stopTickerLocked(e)
	if m.archive != nil {
		if err := m.archive.SaveResult(context.Background(), e.rec, reason); err != nil {
			m.logger.Error("failed to archive session",
				zap.String("session_id", e.rec.SessionID),
				zap.Error(err))
		}
	}
	m.publisher.Publish(events.Event{
		Type:      events.EventSessionTerminated,
		SessionID: e.rec.SessionID,
	})
}

// OfferDraw relays a draw offer to the opponent. Pure notification: nothing
// is persisted and no status changes.
func (m *Manager) OfferDraw(ctx context.Context, sessionID, connID string) error {
	return m.relayDraw(sessionID, connID, messages.EventDrawOffered)
}

// DeclineDraw relays a draw decline to the opponent.
func (m *Manager) DeclineDraw(ctx context.Context, sessionID, connID string) error {
	return m.relayDraw(sessionID, connID, messages.EventDrawDeclined)
}

func (m *Manager) relayDraw(sessionID, connID, event string) error {
	e, err := m.cachedEntry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Terminal() {
		return ErrSessionOver
	}
	seat := e.rec.SeatByConnection(connID)
	if seat == nil {
		return ErrNotAParticipant
	}
	if opp := e.conn[seat.Color.Opp()]; opp != "" {
		m.bc.EmitTo(opp, event, messages.DrawActionPayload{SessionID: sessionID})
	}
	return nil
}

// HandleDisconnect clears the connection reference from the matching seat.
// The seat's color slot is preserved and status does not change; the boundary
// layer schedules the delayed cleanup check.
func (m *Manager) HandleDisconnect(ctx context.Context, sessionID, connID string) error {
	e, err := m.cachedEntry(sessionID)
	if err != nil {
		return nil // nothing live to detach from
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	seat := rec.SeatByConnection(connID)
	if seat == nil {
		return nil
	}
	c := seat.Color

	next := rec.Clone()
	next.Seat(c).ConnectionID = nil
	next.LastActivity = time.Now()

	if err := m.store.Update(ctx, next); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	e.rec = next
	e.conn[c] = ""

	m.bc.LeaveGroup(sessionID, connID)
	if remaining := e.conn[c.Opp()]; remaining != "" {
		m.bc.EmitTo(remaining, messages.EventOpponentDisconnected, messages.OpponentDisconnectedPayload{
			SessionID: sessionID,
			Color:     c,
		})
	}

	m.logger.Info("seat disconnected",
		zap.String("session_id", sessionID),
		zap.String("connection_id", connID),
		zap.String("color", string(c)))
	return nil
}

// Cleanup evicts the cached entry and marks the durable record abandoned
// unless it is already terminal. Idempotent.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	m.evict(sessionID)

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: cleanup: %w", err)
	}
	if rec == nil || rec.Terminal() {
		return nil
	}

	rec.Status = store.StatusAbandoned
	rec.LastActivity = time.Now()
	if err := m.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("session: cleanup: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.SaveResult(ctx, rec, ReasonAbandoned); err != nil {
			m.logger.Error("failed to archive session",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	m.publisher.Publish(events.Event{
		Type:      events.EventSessionTerminated,
		SessionID: sessionID,
	})

	m.logger.Info("abandoned session", zap.String("session_id", sessionID))
	return nil
}

// SweepIdle bulk-abandons active records whose last activity is older than
// threshold. Backstop for cleanups that never fired, e.g. after a restart.
func (m *Manager) SweepIdle(ctx context.Context, threshold time.Duration) (int, error) {
	ids, err := m.store.MarkAbandonedIdle(ctx, time.Now().Add(-threshold))
	for _, id := range ids {
		m.evict(id)
		m.publisher.Publish(events.Event{
			Type:      events.EventSessionTerminated,
			SessionID: id,
		})
	}
	if len(ids) > 0 {
		m.logger.Info("swept idle sessions", zap.Int("count", len(ids)))
	}
	return len(ids), err
}

// ActiveSessions lists active records, most recent activity first.
func (m *Manager) ActiveSessions(ctx context.Context, limit int) ([]*store.Record, error) {
	return m.store.ListActive(ctx, limit)
}

// Session returns the durable record for id, or (nil, nil) when absent.
func (m *Manager) Session(ctx context.Context, sessionID string) (*store.Record, error) {
	return m.store.Get(ctx, sessionID)
}

// History returns a player's terminal sessions, most recent first. Without an
// attached archive the history is empty.
func (m *Manager) History(ctx context.Context, player string, limit int) ([]archive.Entry, error) {
	if m.archive == nil {
		return nil, nil
	}
	return m.archive.History(ctx, player, limit)
}

// cachedEntry resolves a session that must already be live in this process.
func (m *Manager) cachedEntry(sessionID string) (*entry, error) {
	m.mu.RLock()
	e := m.entries[sessionID]
	m.mu.RUnlock()
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// loadEntry resolves a session from the cache, falling back to the durable
// record. The record is authoritative on first touch: the live position is
// rebuilt from the persisted move list, never invented from defaults.
func (m *Manager) loadEntry(ctx context.Context, sessionID string) (*entry, error) {
	m.mu.RLock()
	e := m.entries[sessionID]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	// Terminal records never re-enter the cache: no transition can act on
	// them, so a cached entry would sit there with nothing to evict it.
	if rec.Terminal() {
		return nil, ErrSessionOver
	}
	pos, err := rules.FromMoves(rec.MovesUCI)
	if err != nil {
		return nil, fmt.Errorf("session: rebuild position: %w", err)
	}

	conn := map[color.Color]string{}
	for _, seat := range rec.Seats {
		if seat.ConnectionID != nil {
			conn[seat.Color] = *seat.ConnectionID
		}
	}
	e = &entry{rec: rec, pos: pos, conn: conn}

	m.mu.Lock()
	if existing := m.entries[sessionID]; existing != nil {
		e = existing
	} else {
		m.entries[sessionID] = e
	}
	m.mu.Unlock()
	return e, nil
}

func (m *Manager) cacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evict drops a session from the cache and cancels its ticker.
func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	e := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		m.stopTickerLocked(e)
		e.mu.Unlock()
	}
}
