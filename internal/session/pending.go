package session

import (
	"sync"
	"time"

	"github.com/whatsapp-automation/engine/internal/network"
)

// pendingLogin is an unauthenticated connection waiting for a code, a
// password or a scanned QR.
type pendingLogin struct {
	conn             network.LoginConn
	identity         string
	challenge        string
	awaitingPassword bool
	created          time.Time
}

type pendingLogins struct {
	mu    sync.Mutex
	items map[uint]*pendingLogin
	ttl   time.Duration
	now   func() time.Time
}

func newPendingLogins(ttl time.Duration) *pendingLogins {
	return &pendingLogins{items: make(map[uint]*pendingLogin), ttl: ttl, now: time.Now}
}

// put stores p, closing any login it replaces.
func (p *pendingLogins) put(accountID uint, login *pendingLogin) {
	login.created = p.now()
	p.mu.Lock()
	prev := p.items[accountID]
	p.items[accountID] = login
	p.mu.Unlock()

	if prev != nil && prev != login {
		_ = prev.conn.Close()
	}
}

// get returns the live pending login, discarding it when expired.
func (p *pendingLogins) get(accountID uint) (*pendingLogin, bool) {
	p.mu.Lock()
	login, ok := p.items[accountID]
	expired := ok && p.ttl > 0 && p.now().Sub(login.created) > p.ttl
	if expired {
		delete(p.items, accountID)
	}
	p.mu.Unlock()

	if expired {
		_ = login.conn.Close()
		return nil, false
	}
	return login, ok
}

// release forgets the login without closing it; its connection now belongs
// to an authenticated session.
func (p *pendingLogins) release(accountID uint) {
	p.mu.Lock()
	delete(p.items, accountID)
	p.mu.Unlock()
}

// discard forgets and closes the login.
func (p *pendingLogins) discard(accountID uint) {
	p.mu.Lock()
	login := p.items[accountID]
	delete(p.items, accountID)
	p.mu.Unlock()

	if login != nil {
		_ = login.conn.Close()
	}
}

func (p *pendingLogins) closeAll() {
	p.mu.Lock()
	items := p.items
	p.items = make(map[uint]*pendingLogin)
	p.mu.Unlock()

	for _, login := range items {
		_ = login.conn.Close()
	}
}
