package sync

import "sync"

// accountLocks serializes syncs per account id. Two notifications for the
// same mailbox must not interleave their checkpoint read-modify-write;
// different accounts proceed fully in parallel.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the mutex owning an account id, creating it on first use.
// Locks are never evicted; the registry grows with the number of distinct
// accounts seen by this process, which is bounded by the account table.
func (l *accountLocks) lockFor(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	return m
}
