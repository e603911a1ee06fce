package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corvith/match-server/pkg/messages"
	"github.com/corvith/match-server/pkg/store"
)

// DefaultTickPeriod is the wall-clock length of one tick unit. Each firing
// deducts one second from the side to move.
const DefaultTickPeriod = time.Second

// startTickerLocked starts the countdown task for a session, cancelling any
// prior one so at most one ticker runs per session. Caller holds e.mu.
func (m *Manager) startTickerLocked(e *entry) {
	m.stopTickerLocked(e)
	stop := make(chan struct{})
	e.tickStop = stop
	go m.runTicker(e, stop)

	m.logger.Debug("started session clock", zap.String("session_id", e.rec.SessionID))
}

// stopTickerLocked cancels the ticker; safe to call when none is running.
// Caller holds e.mu.
func (m *Manager) stopTickerLocked(e *entry) {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

func (m *Manager) runTicker(e *entry, stop chan struct{}) {
	ticker := time.NewTicker(m.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.tick(e, stop) {
				return
			}
		}
	}
}

// tick runs one firing of the countdown. It re-reads status and side-to-move
// from the entry on every firing rather than trusting anything captured at
// start time, and self-cancels on stale state. Returns false when the ticker
// must exit.
func (m *Manager) tick(e *entry, stop chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tickStop != stop {
		return false // superseded by a newer ticker
	}
	rec := e.rec
	if rec.Status != store.StatusActive {
		e.tickStop = nil
		return false
	}

	mover := e.pos.SideToMove()
	remaining := rec.Clock(mover) - 1

	if remaining <= 0 {
		next := rec.Clone()
		next.SetClock(mover, 0)
		next.Status = store.StatusCompleted
		next.Outcome = string(mover.Opp())
		next.LastActivity = time.Now()

		if err := m.store.Update(context.Background(), next); err != nil {
			// Keep ticking; the next firing retries the timeout transition.
			m.logger.Error("failed to persist timeout",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
			return true
		}
		e.rec = next
		e.tickStop = nil

		m.logger.Info("session timed out",
			zap.String("session_id", next.SessionID),
			zap.String("flagged", string(mover)),
			zap.String("outcome", next.Outcome))

		m.finishLocked(e, ReasonTimeout)
		m.bc.Emit(next.SessionID, messages.EventGameOver, messages.GameOverPayload{
			SessionID: next.SessionID,
			Outcome:   next.Outcome,
			Reason:    ReasonTimeout,
		})
		return false
	}

	next := rec.Clone()
	next.SetClock(mover, remaining)
	// A tick is not player activity; LastActivity stays put so the idle sweep
	// still sees stalled sessions.
	if err := m.store.Update(context.Background(), next); err != nil {
		m.logger.Error("failed to persist clock tick",
			zap.String("session_id", rec.SessionID),
			zap.Error(err))
		return true
	}
	e.rec = next

	m.emitClocksLocked(e)
	return true
}
