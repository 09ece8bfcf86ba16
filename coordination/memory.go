package coordination

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is the single-node ExecutionLocker: a mutex map keyed by
// execution id with TTL expiry for crashed holders.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return NewMemoryLockerWithClock(time.Now)
}

// NewMemoryLockerWithClock returns a locker on the given time source.
func NewMemoryLockerWithClock(now func() time.Time) *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: now}
}

// TryAcquire implements ExecutionLocker.
func (l *MemoryLocker) TryAcquire(_ context.Context, executionID string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, exists := l.held[executionID]; exists && expiry.After(l.now()) {
		return nil, false, nil
	}
	l.held[executionID] = l.now().Add(ttl)
	release := func() {
		l.mu.Lock()
		delete(l.held, executionID)
		l.mu.Unlock()
	}
	return release, true, nil
}

// MemoryAdmission is the single-node Admission store.
type MemoryAdmission struct {
	mu      sync.Mutex
	running map[string]string
	waiting map[string][]string
}

// NewMemoryAdmission returns an empty admission store.
func NewMemoryAdmission() *MemoryAdmission {
	return &MemoryAdmission{
		running: make(map[string]string),
		waiting: make(map[string][]string),
	}
}

// TryAcquire implements Admission.
func (a *MemoryAdmission) TryAcquire(_ context.Context, configID, executionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, exists := a.running[configID]
	if exists && current != executionID {
		return false, nil
	}
	a.running[configID] = executionID
	return true, nil
}

// Release implements Admission.
func (a *MemoryAdmission) Release(_ context.Context, configID, executionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[configID] == executionID {
		delete(a.running, configID)
	}
	return nil
}

// Enqueue implements Admission.
func (a *MemoryAdmission) Enqueue(_ context.Context, configID, executionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.waiting[configID] {
		if id == executionID {
			return nil
		}
	}
	a.waiting[configID] = append(a.waiting[configID], executionID)
	return nil
}

// PopOldest implements Admission.
func (a *MemoryAdmission) PopOldest(_ context.Context, configID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.waiting[configID]
	if len(queue) == 0 {
		return "", nil
	}
	id := queue[0]
	a.waiting[configID] = queue[1:]
	return id, nil
}

// PurgeToNewest implements Admission.
func (a *MemoryAdmission) PurgeToNewest(_ context.Context, configID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.waiting[configID]
	if len(queue) <= 1 {
		return nil, nil
	}
	purged := append([]string(nil), queue[:len(queue)-1]...)
	a.waiting[configID] = queue[len(queue)-1:]
	return purged, nil
}

// Remove implements Admission.
func (a *MemoryAdmission) Remove(_ context.Context, configID, executionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	queue := a.waiting[configID]
	for i, id := range queue {
		if id == executionID {
			a.waiting[configID] = append(queue[:i], queue[i+1:]...)
			return nil
		}
	}
	return nil
}
