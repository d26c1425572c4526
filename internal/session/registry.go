package session

import (
	"sort"
	"sync"
)

// Registry holds at most one live connection per account id and hands out
// per-account locks used to serialize connection creation.
type Registry interface {
	Get(accountID uint) (*LiveConnection, bool)
	// Put stores lc and returns the connection it replaced, if any.
	Put(accountID uint, lc *LiveConnection) (previous *LiveConnection)
	Remove(accountID uint) *LiveConnection
	List() []uint
	// Lock blocks until the account's lock is held and returns its release func.
	Lock(accountID uint) (unlock func())
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[uint]*LiveConnection

	locksMu sync.Mutex
	locks   map[uint]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns: make(map[uint]*LiveConnection),
		locks: make(map[uint]*keyedLock),
	}
}

func (r *MemoryRegistry) Get(accountID uint) (*LiveConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.conns[accountID]
	return lc, ok
}

func (r *MemoryRegistry) Put(accountID uint, lc *LiveConnection) *LiveConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[accountID]
	r.conns[accountID] = lc
	if prev == lc {
		return nil
	}
	return prev
}

func (r *MemoryRegistry) Remove(accountID uint) *LiveConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc := r.conns[accountID]
	delete(r.conns, accountID)
	return lc
}

func (r *MemoryRegistry) List() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *MemoryRegistry) Lock(accountID uint) func() {
	r.locksMu.Lock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &keyedLock{}
		r.locks[accountID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, accountID)
			}
			r.locksMu.Unlock()
		})
	}
}
