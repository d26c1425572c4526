package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/network"
)

// Subscriber receives inbound messages of one account.
type Subscriber func(network.InboundMessage)

// LiveConnection is the authenticated connection of one account together
// with the subscribers listening on it. Closing it drops every subscriber.
type LiveConnection struct {
	AccountID uint

	conn network.Conn
	log  logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[uint64]Subscriber
	nextID uint64
	closed bool
}

func newLiveConnection(accountID uint, conn network.Conn, log logrus.FieldLogger) *LiveConnection {
	lc := &LiveConnection{
		AccountID: accountID,
		conn:      conn,
		log:       log.WithField("account", accountID),
		subs:      make(map[uint64]Subscriber),
	}
	conn.SetHandler(lc.dispatch)
	return lc
}

// Conn returns the underlying network connection.
func (l *LiveConnection) Conn() network.Conn {
	return l.conn
}

// Healthy reports whether the connection is open and usable.
func (l *LiveConnection) Healthy() bool {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	return !closed && l.conn.Healthy()
}

// Subscribe registers fn for inbound messages and returns a func that removes it.
// Subscribing to a closed connection is a no-op.
func (l *LiveConnection) Subscribe(fn Subscriber) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return func() {}
	}

	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (l *LiveConnection) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *LiveConnection) dispatch(msg network.InboundMessage) {
	l.mu.RLock()
	subs := make([]Subscriber, 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range subs {
		l.deliver(fn, msg)
	}
}

func (l *LiveConnection) deliver(fn Subscriber, msg network.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("Subscriber panicked on message %s: %v", msg.ID, r)
		}
	}()
	fn(msg)
}

// Close tears down the subscribers and the network connection. It is idempotent.
func (l *LiveConnection) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.subs = make(map[uint64]Subscriber)
	l.mu.Unlock()

	l.conn.SetHandler(nil)
	return l.conn.Close()
}
