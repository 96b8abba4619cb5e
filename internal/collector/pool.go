// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
pool.go - Connection Pool Manager

One Pool per platform. The pool enforces the per-platform connection cap,
keeps a FIFO queue of targets waiting for a slot, and diffs each poll cycle's
selected targets against the running sessions. A connecting session reserves
its slot until it either joins the pool or fails; a running session frees its
slot only when it has actually closed.
*/

package collector

import (
	"context"
	"sync"
	"time"

	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// SessionFactory resolves chat coordinates for a target and returns a
// connected session. Implementations must wire onEvent and onClose into the
// session they build.
type SessionFactory func(ctx context.Context, target models.Target, onEvent func(models.Event), onClose func(models.Target)) (*Session, error)

// Pool manages the chat sessions of one platform.
type Pool struct {
	platform       models.Platform
	cap            int
	factory        SessionFactory
	onEvent        func(models.Event)
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{} // connects in flight, reserve a slot
	waiting  []models.Target     // FIFO behind the cap
	closed   bool
}

// NewPool creates a pool with the given per-platform cap.
func NewPool(platform models.Platform, cap int, connectTimeout time.Duration, factory SessionFactory, onEvent func(models.Event)) *Pool {
	return &Pool{
		platform:       platform,
		cap:            cap,
		factory:        factory,
		onEvent:        onEvent,
		connectTimeout: connectTimeout,
		sessions:       make(map[string]*Session),
		pending:        make(map[string]struct{}),
	}
}

// Platform returns the platform this pool serves.
func (p *Pool) Platform() models.Platform { return p.platform }

// SessionCount returns the number of open sessions plus connects in flight.
func (p *Pool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions) + len(p.pending)
}

// ActiveKeys returns the broadcast keys of the open and connecting sessions.
func (p *Pool) ActiveKeys() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make(map[string]struct{}, len(p.sessions)+len(p.pending))
	for k := range p.sessions {
		keys[k] = struct{}{}
	}
	for k := range p.pending {
		keys[k] = struct{}{}
	}
	return keys
}

// UpdateTargets reconciles the running sessions against the selector's new
// target list: sessions whose broadcast is no longer selected are closed,
// new targets get a session when a slot is free and queue up otherwise.
func (p *Pool) UpdateTargets(targets []models.Target) {
	desired := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		desired[t.Key()] = t
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var toDrop []*Session
	for key, sess := range p.sessions {
		if _, keep := desired[key]; !keep {
			toDrop = append(toDrop, sess)
		}
	}

	// Rebuild the queue: keep still-desired waiters in FIFO order, drop the
	// rest.
	var waiting []models.Target
	queued := make(map[string]struct{})
	for _, t := range p.waiting {
		if _, keep := desired[t.Key()]; keep {
			waiting = append(waiting, t)
			queued[t.Key()] = struct{}{}
		}
	}
	p.waiting = waiting

	for _, t := range targets {
		key := t.Key()
		if _, ok := p.sessions[key]; ok {
			continue
		}
		if _, ok := p.pending[key]; ok {
			continue
		}
		if _, ok := queued[key]; ok {
			continue
		}
		p.admitLocked(t)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, sess := range toDrop {
		logging.Debug().Str("platform", string(p.platform)).Str("key", sess.Target().Key()).
			Msg("Dropping session, broadcast no longer selected")
		sess.Close()
	}
}

// admitLocked starts a connect when a slot is free and queues the target
// otherwise. Caller holds p.mu.
func (p *Pool) admitLocked(t models.Target) {
	if len(p.sessions)+len(p.pending) < p.cap {
		p.pending[t.Key()] = struct{}{}
		go p.connectTarget(t)
		return
	}
	p.waiting = append(p.waiting, t)
}

// connectTarget resolves coordinates and dials one target. Runs outside the
// pool lock; failure releases the reserved slot and drains the queue.
func (p *Pool) connectTarget(t models.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	sess, err := p.factory(ctx, t, p.onEvent, p.handleClose)

	p.mu.Lock()
	delete(p.pending, t.Key())
	if err != nil {
		p.drainLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		logging.Warn().Err(err).Str("platform", string(p.platform)).Str("channel", t.ChannelID).
			Msg("Session connect failed, target skipped this cycle")
		return
	}
	if p.closed {
		p.mu.Unlock()
		sess.Close()
		return
	}
	p.sessions[t.Key()] = sess
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// handleClose frees the closed session's slot and hands it to the longest
// waiting target.
func (p *Pool) handleClose(t models.Target) {
	p.mu.Lock()
	delete(p.sessions, t.Key())
	if !p.closed {
		p.drainLocked()
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// drainLocked starts queued targets while slots are free. Caller holds p.mu.
func (p *Pool) drainLocked() {
	for len(p.waiting) > 0 && len(p.sessions)+len(p.pending) < p.cap {
		next := p.waiting[0]
		p.waiting = p.waiting[1:]
		p.pending[next.Key()] = struct{}{}
		go p.connectTarget(next)
	}
}

func (p *Pool) updateGaugesLocked() {
	metrics.SessionsWaiting.WithLabelValues(string(p.platform)).Set(float64(len(p.waiting)))
}

// CollectViewerLists snapshots every open session's viewer map. Non-blocking
// with respect to session I/O; each snapshot copies under the session lock
// only.
func (p *Pool) CollectViewerLists() []models.ViewerList {
	sessions := p.liveSessions()
	out := make([]models.ViewerList, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, models.ViewerList{
			Target:  sess.Target(),
			Viewers: sess.SnapshotViewers(),
		})
	}
	return out
}

// CollectChatStats drains every open session's chat-rate counters, resetting
// them in the same step.
func (p *Pool) CollectChatStats() []models.BroadcastChatStats {
	sessions := p.liveSessions()
	out := make([]models.BroadcastChatStats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, models.BroadcastChatStats{
			Target: sess.Target(),
			Stats:  sess.DrainChatStats(),
		})
	}
	return out
}

// liveSessions copies the current session list out of the lock.
func (p *Pool) liveSessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		out = append(out, sess)
	}
	return out
}

// DisconnectAll closes every session and waits for them to finish, bounded by
// ctx. Sessions still open at the deadline are abandoned; their sockets are
// already closing.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.waiting = nil
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			logging.Warn().Str("platform", string(p.platform)).
				Msg("Shutdown deadline reached with sessions still closing")
			return
		}
	}
}
