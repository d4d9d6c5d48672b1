package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reinholt/loom/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Archiver persists a session snapshot when the manager retires it.
type Archiver interface {
	Archive(ctx context.Context, snap Snapshot) error
}

// ManagerConfig holds session manager configuration.
type ManagerConfig struct {
	// SteeringCapacity bounds each session's steering queue; non-positive
	// means unbounded.
	SteeringCapacity int
	// IdleTTL retires sessions untouched for this long. Zero disables the
	// janitor.
	IdleTTL time.Duration
	// JanitorSchedule is a cron expression for the idle sweep. Defaults to
	// every minute.
	JanitorSchedule string
	// Archiver, when set, receives a snapshot of every removed session.
	Archiver Archiver
}

// Manager owns the live session registry. Sessions are addressed by uuid
// and retired either explicitly or by the idle janitor.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	steeringCapacity int
	idleTTL          time.Duration
	archiver         Archiver
	cron             *cron.Cron
}

// NewManager creates a session manager and starts the idle janitor when an
// IdleTTL is configured.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	observability.EnsureRegistered()

	m := &Manager{
		sessions:         make(map[string]*Session),
		steeringCapacity: cfg.SteeringCapacity,
		idleTTL:          cfg.IdleTTL,
		archiver:         cfg.Archiver,
	}

	if cfg.IdleTTL > 0 {
		schedule := cfg.JanitorSchedule
		if schedule == "" {
			schedule = "* * * * *"
		}
		c := cron.New()
		if _, err := c.AddFunc(schedule, m.sweepIdle); err != nil {
			return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
		}
		c.Start()
		m.cron = c
		log.Info().
			Str("schedule", schedule).
			Dur("idle_ttl", cfg.IdleTTL).
			Msg("Session janitor started")
	}

	return m, nil
}

// Create registers a new idle session and returns it.
func (m *Manager) Create() *Session {
	sess := New(uuid.NewString(), m.steeringCapacity)

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	log.Info().Str("session_id", sess.ID()).Msg("Session created")
	return sess
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove retires a session: it is closed, dropped from the registry and
// handed to the archiver.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)

	snap := sess.Snapshot()
	sess.Close()

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, snap); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("Failed to archive session")
			return fmt.Errorf("archive session %s: %w", id, err)
		}
		observability.RecordSessionArchived()
	}

	log.Info().Str("session_id", id).Msg("Session removed")
	return nil
}

// sweepIdle retires sessions untouched for longer than the TTL. Sessions
// with a turn in flight keep refreshing their touch time and survive.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.RLock()
	var stale []string
	for id, sess := range m.sessions {
		if snap := sess.Snapshot(); snap.TouchedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Remove(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Idle sweep failed to remove session")
		}
		cancel()
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("Idle sessions retired")
	}
}

// Close stops the janitor and closes every live session without archiving.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	for _, sess := range m.sessions {
		sess.Close()
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	observability.SetActiveSessions(0)
	log.Info().Msg("Session manager closed")
}
