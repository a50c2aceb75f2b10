package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/store"
)

// SessionStore persists resume state (session id, last sequence, intent
// level) across restarts.
type SessionStore interface {
	Load(accountID string) (*store.GatewaySession, error)
	// Save writes through immediately.
	Save(sess store.GatewaySession) error
	// SaveLazy coalesces bursts of updates into one write. Sequence
	// numbers advance on every dispatch frame; flushing each to disk
	// would be pure churn.
	SaveLazy(sess store.GatewaySession)
	// Touch bumps last_connected_at on an existing record and errors
	// when there is none.
	Touch(accountID string, connectedAt int64) error
	Clear(accountID string) error
	Flush() error
}

// lazySaveDelay is how long SaveLazy waits for more updates before
// writing.
const lazySaveDelay = time.Second

// PersistentSessionStore backs SessionStore with the SQLite store.
type PersistentSessionStore struct {
	db     *store.Store
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	pending map[string]store.GatewaySession
	timer   *time.Timer
}

func NewSessionStore(db *store.Store, logger zerolog.Logger) *PersistentSessionStore {
	return &PersistentSessionStore{
		db:      db,
		logger:  logger.With().Str("component", "session-store").Logger(),
		delay:   lazySaveDelay,
		pending: make(map[string]store.GatewaySession),
	}
}

// Load prefers a pending lazy write over what is on disk.
func (s *PersistentSessionStore) Load(accountID string) (*store.GatewaySession, error) {
	s.mu.Lock()
	if sess, ok := s.pending[accountID]; ok {
		s.mu.Unlock()
		return &sess, nil
	}
	s.mu.Unlock()
	return s.db.GetGatewaySession(accountID)
}

func (s *PersistentSessionStore) Save(sess store.GatewaySession) error {
	s.mu.Lock()
	delete(s.pending, sess.AccountID)
	s.mu.Unlock()
	return s.db.SaveGatewaySession(&sess)
}

func (s *PersistentSessionStore) SaveLazy(sess store.GatewaySession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sess.AccountID] = sess
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, func() {
			if err := s.Flush(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to flush session state")
			}
		})
	}
}

func (s *PersistentSessionStore) Touch(accountID string, connectedAt int64) error {
	s.mu.Lock()
	// keep a pending lazy write from rolling the timestamp back
	if sess, ok := s.pending[accountID]; ok {
		sess.LastConnectedAt = connectedAt
		s.pending[accountID] = sess
	}
	s.mu.Unlock()
	return s.db.TouchGatewaySession(accountID, connectedAt)
}

func (s *PersistentSessionStore) Clear(accountID string) error {
	s.mu.Lock()
	delete(s.pending, accountID)
	s.mu.Unlock()
	return s.db.DeleteGatewaySession(accountID)
}

// Flush writes every pending session now.
func (s *PersistentSessionStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	batch := s.pending
	s.pending = make(map[string]store.GatewaySession)
	s.mu.Unlock()

	var firstErr error
	for _, sess := range batch {
		sess := sess
		if err := s.db.SaveGatewaySession(&sess); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemorySessionStore keeps sessions in a map. Useful in tests and for
// accounts that should always start with a fresh identify.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]store.GatewaySession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]store.GatewaySession)}
}

func (s *MemorySessionStore) Load(accountID string) (*store.GatewaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *MemorySessionStore) Save(sess store.GatewaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.AccountID] = sess
	return nil
}

func (s *MemorySessionStore) SaveLazy(sess store.GatewaySession) {
	_ = s.Save(sess)
}

func (s *MemorySessionStore) Touch(accountID string, connectedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return fmt.Errorf("gateway session not found: %s", accountID)
	}
	sess.LastConnectedAt = connectedAt
	s.sessions[accountID] = sess
	return nil
}

func (s *MemorySessionStore) Clear(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accountID)
	return nil
}

func (s *MemorySessionStore) Flush() error { return nil }
