package realtime

import (
	"sync"
	"time"

	"github.com/yungbote/scribehub-backend/internal/faults"
)

// Phase is the session's position in its lifecycle. Both handler variants
// share this machine; they differ only in field naming on the wire.
type Phase string

const (
	PhaseNegotiating Phase = "negotiating"
	PhaseStreaming   Phase = "streaming"
	PhaseFlushing    Phase = "flushing"
	PhaseEnded       Phase = "ended"
)

type Limits struct {
	MaxDuration time.Duration // default 4h
	IdleTimeout time.Duration // no-audio cutoff, default 30s
}

func (l *Limits) setDefaults() {
	if l.MaxDuration <= 0 {
		l.MaxDuration = 4 * time.Hour
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 30 * time.Second
	}
}

// StateMachine enforces session lifecycle ordering and the duration and
// idle limits. It holds no I/O; the handler drives it.
type StateMachine struct {
	mu        sync.Mutex
	phase     Phase
	limits    Limits
	startedAt time.Time
	lastAudio time.Time
}

func NewStateMachine(limits Limits) *StateMachine {
	limits.setDefaults()
	return &StateMachine{phase: PhaseNegotiating, limits: limits}
}

func (m *StateMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Begin moves the session to streaming after allocation succeeds.
func (m *StateMachine) Begin(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseNegotiating {
		return faults.New(faults.KindInternal, "realtime", "begin in phase %s", m.phase)
	}
	m.phase = PhaseStreaming
	m.startedAt = now
	m.lastAudio = now
	return nil
}

// Audio records an inbound frame, rejecting it outside streaming and
// enforcing the max-duration limit.
func (m *StateMachine) Audio(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseStreaming {
		return faults.New(faults.KindInternal, "realtime", "audio in phase %s", m.phase)
	}
	if now.Sub(m.startedAt) > m.limits.MaxDuration {
		m.phase = PhaseEnded
		return faults.New(faults.KindTimeout, "realtime", "session exceeded max duration").WithRetryable(false)
	}
	m.lastAudio = now
	return nil
}

// IdleExpired reports whether the idle cutoff has passed; the handler
// closes the session with CloseTimeout when it has.
func (m *StateMachine) IdleExpired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseStreaming && now.Sub(m.lastAudio) > m.limits.IdleTimeout
}

// Flush begins utterance finalization; further audio is rejected until the
// handler calls Resume or End.
func (m *StateMachine) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseStreaming {
		return faults.New(faults.KindInternal, "realtime", "flush in phase %s", m.phase)
	}
	m.phase = PhaseFlushing
	return nil
}

// Resume returns to streaming after a flush completes.
func (m *StateMachine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseFlushing {
		return faults.New(faults.KindInternal, "realtime", "resume in phase %s", m.phase)
	}
	m.phase = PhaseStreaming
	return nil
}

// End is terminal and idempotent; it is valid from any phase because both
// graceful closes and terminations funnel through it.
func (m *StateMachine) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseEnded
}
