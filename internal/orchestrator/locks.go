package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// TurnLocks is a set of per-conversation try-locks.
type TurnLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewTurnLocks() *TurnLocks {
	return &TurnLocks{held: make(map[uuid.UUID]struct{})}
}

// TryAcquire takes the lock for id and reports whether it was free.
func (l *TurnLocks) TryAcquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Release frees the lock for id. Releasing a free lock is a no-op.
func (l *TurnLocks) Release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// Held reports whether a turn is active for id.
func (l *TurnLocks) Held(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[id]
	return busy
}
