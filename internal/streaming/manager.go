package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/metrics"
)

// DefaultTurnTTL is how long finished turns stay registered so late stop requests get a
// precise answer instead of "not found".
const DefaultTurnTTL = 10 * time.Minute

// ActiveTurn is a registered turn. Its context is cancelled by Stop.
type ActiveTurn struct {
	ID        string
	UserID    string
	Mode      string
	StartTime time.Time

	cancel context.CancelCauseFunc

	mu          sync.Mutex
	completed   bool
	completedAt time.Time
	stopped     bool
	stoppedBy   string
	stopReason  StopReason
}

// Stop cancels the turn's context. Only the first call wins.
func (t *ActiveTurn) Stop(stoppedBy string, reason StopReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completed {
		return ErrTurnAlreadyCompleted
	}
	if t.stopped {
		return ErrTurnAlreadyStopped
	}

	t.stopped = true
	t.stoppedBy = stoppedBy
	t.stopReason = reason
	t.cancel(ErrTurnStopped)

	return nil
}

// StopInfo returns who stopped the turn and why.
func (t *ActiveTurn) StopInfo() (stopped bool, stoppedBy string, reason StopReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped, t.stoppedBy, t.stopReason
}

func (t *ActiveTurn) IsCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Info returns a snapshot of the turn.
func (t *ActiveTurn) Info() TurnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TurnInfo{
		TurnID:     t.ID,
		UserID:     t.UserID,
		Mode:       t.Mode,
		StartTime:  t.StartTime,
		Completed:  t.completed,
		Stopped:    t.stopped,
		StoppedBy:  t.stoppedBy,
		StopReason: t.stopReason,
	}
	if t.completed {
		completedAt := t.completedAt
		info.CompletedAt = &completedAt
	}
	return info
}

// TurnManager tracks the turns running on this instance so they can be stopped by id.
//
// Thread-safety:
//   - All public methods are thread-safe
//   - Uses RWMutex for read-heavy workload (many lookups, few registrations)
type TurnManager struct {
	turns  map[string]*ActiveTurn
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewTurnManager creates an empty manager. Cleanup is driven externally through
// CleanupExpired.
func NewTurnManager(logger *logger.Logger) *TurnManager {
	return &TurnManager{
		turns:  make(map[string]*ActiveTurn),
		logger: logger.WithComponent("turn-manager"),
	}
}

// Register adds a turn and returns a context derived from ctx that Stop cancels.
// A finished turn with the same id is replaced; a running one is an error.
func (m *TurnManager) Register(ctx context.Context, turnID, userID, mode string) (context.Context, *ActiveTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.turns[turnID]; ok && !existing.IsCompleted() {
		return nil, nil, ErrTurnExists
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	turn := &ActiveTurn{
		ID:        turnID,
		UserID:    userID,
		Mode:      mode,
		StartTime: time.Now(),
		cancel:    cancel,
	}
	m.turns[turnID] = turn
	metrics.ActiveTurns.Inc()

	m.logger.Debug("turn registered",
		slog.String("turn_id", turnID),
		slog.String("mode", mode))

	return turnCtx, turn, nil
}

// Get retrieves a turn by id, or nil when unknown.
func (m *TurnManager) Get(turnID string) *ActiveTurn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turns[turnID]
}

// Complete marks the turn finished and releases its context. Safe to call more than once.
func (m *TurnManager) Complete(turnID string) {
	turn := m.Get(turnID)
	if turn == nil {
		return
	}

	turn.mu.Lock()
	if turn.completed {
		turn.mu.Unlock()
		return
	}
	turn.completed = true
	turn.completedAt = time.Now()
	turn.mu.Unlock()

	turn.cancel(nil)
	metrics.ActiveTurns.Dec()
}

// Stop stops a local turn.
func (m *TurnManager) Stop(turnID, stoppedBy string, reason StopReason) error {
	turn := m.Get(turnID)
	if turn == nil {
		return ErrTurnNotFound
	}

	if err := turn.Stop(stoppedBy, reason); err != nil {
		return err
	}

	m.logger.Info("turn stopped",
		slog.String("turn_id", turnID),
		slog.String("stopped_by", stoppedBy),
		slog.String("reason", string(reason)))

	return nil
}

// CleanupExpired removes completed turns older than ttl. Running turns are never removed.
// Returns the number of turns removed.
func (m *TurnManager) CleanupExpired(ttl time.Duration) int {
	now := time.Now()
	cleaned := 0

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, turn := range m.turns {
		turn.mu.Lock()
		expired := turn.completed && now.Sub(turn.completedAt) > ttl
		turn.mu.Unlock()

		if expired {
			delete(m.turns, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		m.logger.Info("cleaned up expired turns",
			slog.Int("cleaned", cleaned),
			slog.Int("remaining", len(m.turns)))
	}

	return cleaned
}

// Active lists the turns that have not completed.
func (m *TurnManager) Active() []TurnInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]TurnInfo, 0, len(m.turns))
	for _, turn := range m.turns {
		if !turn.IsCompleted() {
			infos = append(infos, turn.Info())
		}
	}
	return infos
}

// Shutdown stops every running turn. Call this during server shutdown.
func (m *TurnManager) Shutdown() {
	m.mu.RLock()
	turns := make([]*ActiveTurn, 0, len(m.turns))
	for _, turn := range m.turns {
		turns = append(turns, turn)
	}
	m.mu.RUnlock()

	stopped := 0
	for _, turn := range turns {
		if err := turn.Stop("system", StopReasonSystemShutdown); err == nil {
			stopped++
		}
	}

	m.logger.Info("turn manager shutdown complete", slog.Int("stopped_turns", stopped))
}
