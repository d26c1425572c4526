// Package networktest provides an in-memory network for tests.
package networktest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whatsapp-automation/engine/internal/network"
)

// Network is a fake network.Dialer. Zero values accept any session and any code.
type Network struct {
	mu sync.Mutex

	// Sessions, when non-nil, lists the sessions Open accepts; others get ErrUnauthorized.
	Sessions map[string]bool
	// OpenErr is returned by every Open call when set.
	OpenErr error
	// Rotate, when set, is the session reported by connections after Open.
	Rotate string
	// OpenDelay slows down Open to widen race windows.
	OpenDelay time.Duration

	// Code is the expected login code; empty accepts the challenge itself.
	Code string
	// Password, when set, makes SignIn require it.
	Password string
	// Challenge is returned by RequestCode.
	Challenge string
	// Identity is reported by connections created through sign-in.
	Identity string

	opens int32
	conns []*Conn
	// Setup runs on every new connection before it is returned.
	Setup func(*Conn)
}

// New returns a fake network that accepts any session.
func New() *Network {
	return &Network{Challenge: "challenge-1", Identity: "15550001111"}
}

// Opens reports how many times Open was called.
func (n *Network) Opens() int {
	return int(atomic.LoadInt32(&n.opens))
}

// Conns returns every connection created so far.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// Last returns the newest connection, or nil.
func (n *Network) Last() *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

func (n *Network) newConn(session, identity string) *Conn {
	c := NewConn(session, identity)
	n.mu.Lock()
	setup := n.Setup
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	if setup != nil {
		setup(c)
	}
	return c
}

// Open implements network.Dialer.
func (n *Network) Open(ctx context.Context, creds network.Credentials, session string) (network.Conn, error) {
	atomic.AddInt32(&n.opens, 1)
	if n.OpenDelay > 0 {
		select {
		case <-time.After(n.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	openErr, sessions, rotate := n.OpenErr, n.Sessions, n.Rotate
	n.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	if sessions != nil && !sessions[session] {
		return nil, fmt.Errorf("open %s: %w", creds.StoreKey, network.ErrUnauthorized)
	}
	current := session
	if rotate != "" {
		current = rotate
	}
	return n.newConn(current, n.Identity), nil
}

// Begin implements network.Dialer.
func (n *Network) Begin(ctx context.Context, creds network.Credentials) (network.LoginConn, error) {
	return &LoginConn{net: n}, nil
}

// LoginConn is the fake sign-in connection.
type LoginConn struct {
	net            *Network
	mu             sync.Mutex
	requested      bool
	passwordNeeded bool
	Closed         bool
}

func (l *LoginConn) RequestCode(ctx context.Context, identity string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = true
	return l.net.Challenge, nil
}

func (l *LoginConn) RequestQR(ctx context.Context) (string, error) {
	return "qr:" + l.net.Challenge, nil
}

func (l *LoginConn) SignIn(ctx context.Context, identity, challenge, code string) (network.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.requested || challenge != l.net.Challenge {
		return nil, errors.New("no code requested")
	}
	want := l.net.Code
	if want == "" {
		want = challenge
	}
	if code != want {
		return nil, network.ErrInvalidCode
	}
	if l.net.Password != "" {
		l.passwordNeeded = true
		return nil, network.ErrPasswordRequired
	}
	return l.net.newConn("session-"+identity, identity), nil
}

func (l *LoginConn) CheckPassword(ctx context.Context, password string) (network.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.passwordNeeded {
		return nil, errors.New("password not requested")
	}
	if password != l.net.Password {
		return nil, errors.New("wrong password")
	}
	return l.net.newConn("session-"+l.net.Identity, l.net.Identity), nil
}

func (l *LoginConn) Wait(ctx context.Context) (network.Conn, error) {
	return l.net.newConn("session-qr", l.net.Identity), nil
}

func (l *LoginConn) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Closed = true
	return nil
}

// Sent is one outbound text or file.
type Sent struct {
	Peer    string
	Text    string
	ReplyTo string
	Path    string
	Content []byte
}

// Forwarded is one forwarded message.
type Forwarded struct {
	From, MessageID, To string
}

// Conn is a fake authenticated connection. Exported fields may be set
// before use; recorded activity is read through the accessor methods.
type Conn struct {
	mu       sync.Mutex
	session  string
	identity string
	closed   bool
	handler  func(network.InboundMessage)

	// SendErr decides the outcome of each SendText/SendFile per peer.
	SendErr func(peer string) error
	// ReadErr is returned by every Reader call when set.
	ReadErr error
	// Peers are the resolvable conversations; Hidden ones only appear after RefreshDialogs.
	Peers  map[string]network.Peer
	Hidden map[string]network.Peer
	// Users are the resolvable users for ResolveUser.
	Users     map[string]network.Peer
	DialogSet []network.RawDialog
	Messages  map[string][]network.RawMessage
	Media     map[string][]byte
	Names     map[string]string
	Members   map[string][]network.Participant
	InviteErr func(member network.Peer) error

	sent      []Sent
	forwarded []Forwarded
	created   []network.Peer
	invited   []string
	downloads int
	refreshes int
}

// NewConn returns an empty fake connection.
func NewConn(session, identity string) *Conn {
	return &Conn{
		session:  session,
		identity: identity,
		Peers:    map[string]network.Peer{},
		Hidden:   map[string]network.Peer{},
		Users:    map[string]network.Peer{},
		Messages: map[string][]network.RawMessage{},
		Media:    map[string][]byte{},
		Names:    map[string]string{},
		Members:  map[string][]network.Participant{},
	}
}

func (c *Conn) Session() string  { c.mu.Lock(); defer c.mu.Unlock(); return c.session }
func (c *Conn) Identity() string { return c.identity }

func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.handler = nil
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return !c.Healthy() }

func (c *Conn) SetHandler(fn func(network.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Deliver simulates an inbound message. It reports whether a handler ran.
func (c *Conn) Deliver(msg network.InboundMessage) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(msg)
	return true
}

func (c *Conn) sendErr(peer string) error {
	if c.SendErr == nil {
		return nil
	}
	return c.SendErr(peer)
}

func (c *Conn) SendText(ctx context.Context, peer, text, replyTo string) (string, error) {
	if err := c.sendErr(peer); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Peer: peer, Text: text, ReplyTo: replyTo})
	return fmt.Sprintf("m%d", len(c.sent)), nil
}

func (c *Conn) SendFile(ctx context.Context, peer, path, caption string) (string, error) {
	if err := c.sendErr(peer); err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Peer: peer, Text: caption, Path: path, Content: content})
	return fmt.Sprintf("m%d", len(c.sent)), nil
}

func (c *Conn) Forward(ctx context.Context, fromPeer, messageID, toPeer string) error {
	if err := c.sendErr(toPeer); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwarded = append(c.forwarded, Forwarded{From: fromPeer, MessageID: messageID, To: toPeer})
	return nil
}

// Sent returns recorded outbound messages.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// ForwardedMessages returns recorded forwards.
func (c *Conn) ForwardedMessages() []Forwarded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Forwarded(nil), c.forwarded...)
}

func (c *Conn) ResolvePeer(ctx context.Context, ref string) (network.Peer, error) {
	if c.ReadErr != nil {
		return network.Peer{}, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.Peers[ref]; ok {
		return p, nil
	}
	return network.Peer{}, network.ErrPeerNotFound
}

func (c *Conn) ResolveUser(ctx context.Context, ref string) (network.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.Users[ref]; ok {
		return p, nil
	}
	return network.Peer{}, network.ErrPeerNotFound
}

func (c *Conn) RefreshDialogs(ctx context.Context) error {
	if c.ReadErr != nil {
		return c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	for id, p := range c.Hidden {
		c.Peers[id] = p
	}
	return nil
}

// Refreshes reports how many times RefreshDialogs ran.
func (c *Conn) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *Conn) Dialogs(ctx context.Context, limit int) ([]network.RawDialog, error) {
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.DialogSet
	if limit > 0 && len(ds) > limit {
		ds = ds[:limit]
	}
	return append([]network.RawDialog(nil), ds...), nil
}

func (c *Conn) History(ctx context.Context, peer string, limit int) ([]network.RawMessage, error) {
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := append([]network.RawMessage(nil), c.Messages[peer]...)
	// newest first, like most networks return history
	sort.Slice(ms, func(i, j int) bool { return ms[i].Timestamp.After(ms[j].Timestamp) })
	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}
	return ms, nil
}

func (c *Conn) Message(ctx context.Context, peer, messageID string) (network.RawMessage, error) {
	if c.ReadErr != nil {
		return network.RawMessage{}, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.Messages[peer] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return network.RawMessage{}, network.ErrMessageNotFound
}

func (c *Conn) Download(ctx context.Context, peer, messageID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads++
	data, ok := c.Media[messageID]
	if !ok {
		return nil, network.ErrMessageNotFound
	}
	return data, nil
}

// Downloads reports how many downloads were attempted.
func (c *Conn) Downloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads
}

func (c *Conn) Search(ctx context.Context, peer, query string, limit int) ([]network.RawMessage, error) {
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits []network.RawMessage
	for _, m := range c.Messages[peer] {
		if strings.Contains(strings.ToLower(m.Text), strings.ToLower(query)) {
			hits = append(hits, m)
			if limit > 0 && len(hits) == limit {
				break
			}
		}
	}
	return hits, nil
}

func (c *Conn) SenderName(ctx context.Context, senderID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.Names[senderID]; ok {
		return name, nil
	}
	return "", network.ErrPeerNotFound
}

func (c *Conn) CreateGroup(ctx context.Context, title, about string, members []network.Peer, channel bool) (network.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := network.PeerGroup
	if channel {
		kind = network.PeerChannel
	}
	p := network.Peer{ID: fmt.Sprintf("%s-%d", kind, len(c.created)+1), Name: title, Kind: kind}
	c.created = append(c.created, p)
	for _, m := range members {
		c.Members[p.ID] = append(c.Members[p.ID], network.Participant{ID: m.ID, Name: m.Name})
	}
	return p, nil
}

// Created returns groups and channels created so far.
func (c *Conn) Created() []network.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]network.Peer(nil), c.created...)
}

func (c *Conn) Invite(ctx context.Context, group string, member network.Peer) error {
	if c.InviteErr != nil {
		if err := c.InviteErr(member); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invited = append(c.invited, member.ID)
	return nil
}

// Invited returns invited member ids in order.
func (c *Conn) Invited() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invited...)
}

func (c *Conn) Participants(ctx context.Context, group string, limit int) ([]network.Participant, error) {
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.Members[group]
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return append([]network.Participant(nil), ps...), nil
}

var _ network.Conn = (*Conn)(nil)
var _ network.Dialer = (*Network)(nil)
