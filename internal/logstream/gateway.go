// Package logstream fans log lines from pipeline producers out to the client
// watching a deployment session.
package logstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/kubeploy/internal/metrics"
)

// Kind tags a line with the phase that produced it.
type Kind string

const (
	KindDeploy Kind = "DEPLOY"
	KindApp    Kind = "APP"
)

const (
	sweepInterval    = 5 * time.Minute
	defaultRetention = 2 * time.Hour
)

// ErrSessionClosed is returned when connecting to a session the client already left.
var ErrSessionClosed = errors.New("logstream: session closed")

// Sink abstracts the transport a viewing client is attached through.
type Sink interface {
	Send([]byte) error
	Close()
}

// Sender is the producer-side view of the gateway.
type Sender interface {
	Send(sessionID string, kind Kind, line string)
}

type session struct {
	sink      Sink
	cancelled bool
	done      chan struct{}
	attached  chan struct{}
	seen      bool
	touched   time.Time
}

// Gateway is the session registry. It is safe for concurrent use by any
// number of producers and transports.
type Gateway struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	once      sync.Once

	connected prometheus.Gauge
	dropped   prometheus.Counter
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithRetention sets how long idle or closed sessions are remembered.
func WithRetention(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.retention = d
		}
	}
}

// New constructs a Gateway and starts its sweeper.
func New(logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		sessions:  make(map[string]*session),
		logger:    logger,
		retention: defaultRetention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		connected: metrics.NewGauge("logstream", "connected_sessions", "Sessions with an attached client"),
		dropped:   metrics.NewCounter("logstream", "dropped_lines_total", "Lines dropped because no client was attached"),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.sweepLoop()
	return g
}

// NewSession allocates a session id and registers it without a client.
func (g *Gateway) NewSession() string {
	id := uuid.NewString()
	g.mu.Lock()
	g.entryLocked(id)
	g.mu.Unlock()
	return id
}

// Connect attaches sink to the session, replacing any previous client.
func (g *Gateway) Connect(sessionID string, sink Sink) error {
	g.mu.Lock()
	s := g.entryLocked(sessionID)
	if s.cancelled {
		g.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.sink
	s.sink = sink
	s.touched = g.now()
	if !s.seen {
		s.seen = true
		close(s.attached)
	}
	g.mu.Unlock()

	if previous != nil {
		previous.Close()
	} else {
		g.connected.Inc()
	}
	g.logger.Info("log session connected", "session_id", sessionID)
	return nil
}

// Disconnect detaches the client and cancels the session permanently.
func (g *Gateway) Disconnect(sessionID string) {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if !ok {
		s = g.entryLocked(sessionID)
	}
	sink := s.sink
	s.sink = nil
	if !s.cancelled {
		s.cancelled = true
		close(s.done)
	}
	s.touched = g.now()
	g.mu.Unlock()

	if sink != nil {
		sink.Close()
		g.connected.Dec()
		g.logger.Info("log session disconnected", "session_id", sessionID)
	}
}

// Send forwards one line as "<KIND>|<line>". Lines for sessions without a
// client are dropped.
func (g *Gateway) Send(sessionID string, kind Kind, line string) {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	var sink Sink
	if ok && !s.cancelled {
		sink = s.sink
	}
	g.mu.RUnlock()

	if sink == nil {
		g.dropped.Inc()
		return
	}
	if err := sink.Send([]byte(string(kind) + "|" + line)); err != nil {
		g.logger.Warn("log session send failed", "session_id", sessionID, "error", err)
		g.Disconnect(sessionID)
	}
}

// IsCancelled reports whether the viewing client has left the session.
func (g *Gateway) IsCancelled(sessionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	return ok && s.cancelled
}

// Done returns a channel closed once the session is cancelled.
func (g *Gateway) Done(sessionID string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entryLocked(sessionID).done
}

// AwaitClient waits up to grace for a client to attach to the session. It
// reports false if none did, the session was cancelled or ctx ended first.
func (g *Gateway) AwaitClient(ctx context.Context, sessionID string, grace time.Duration) bool {
	g.mu.Lock()
	s := g.entryLocked(sessionID)
	if s.cancelled {
		g.mu.Unlock()
		return false
	}
	if s.sink != nil {
		g.mu.Unlock()
		return true
	}
	attached, done := s.attached, s.done
	g.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-attached:
		return !g.IsCancelled(sessionID)
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

// Close stops the sweeper and detaches every client.
func (g *Gateway) Close() {
	g.once.Do(func() {
		close(g.stopCh)
		g.mu.RLock()
		ids := make([]string, 0, len(g.sessions))
		for id := range g.sessions {
			ids = append(ids, id)
		}
		g.mu.RUnlock()
		for _, id := range ids {
			g.Disconnect(id)
		}
	})
}

func (g *Gateway) entryLocked(id string) *session {
	s, ok := g.sessions[id]
	if !ok {
		s = &session{done: make(chan struct{}), attached: make(chan struct{}), touched: g.now()}
		g.sessions[id] = s
	}
	return s
}

func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCh:
			return
		}
	}
}

// sweep forgets sessions that have had no client for longer than the
// retention. Cancelled sessions stay as tombstones so they cannot be reopened.
func (g *Gateway) sweep() {
	cutoff := g.now().Add(-g.retention)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, s := range g.sessions {
		if s.sink == nil && !s.cancelled && s.touched.Before(cutoff) {
			delete(g.sessions, id)
		}
	}
}
