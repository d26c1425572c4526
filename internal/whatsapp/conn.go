package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/engine/internal/network"
)

// ErrConnectTimeout means the websocket did not come up in time.
var ErrConnectTimeout = errors.New("timed out waiting for whatsapp connection")

// conn is an authenticated whatsmeow client.
type conn struct {
	client *whatsmeow.Client
	cache  *messageCache
	log    logrus.FieldLogger

	loggedOut atomic.Bool
	ready     chan error
	stop      chan struct{}
	closeOnce sync.Once
	heartbeat sync.Once

	mu      sync.RWMutex
	handler func(network.InboundMessage)
}

func newConn(client *whatsmeow.Client, historyLimit int, log logrus.FieldLogger) *conn {
	c := &conn{
		client: client,
		cache:  newMessageCache(historyLimit),
		log:    log,
		ready:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
	client.AddEventHandler(c.handleEvent)
	return c
}

// connect opens the websocket and waits until the session is accepted or
// rejected.
func (c *conn) connect(ctx context.Context, timeout time.Duration) error {
	if err := c.client.Connect(); err != nil {
		return translate(err)
	}
	return c.awaitReady(ctx, timeout)
}

func (c *conn) awaitReady(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-c.ready:
		return err
	case <-t.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) signal(err error) {
	select {
	case c.ready <- err:
	default:
	}
}

func (c *conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.log.Info("Connected to WhatsApp")
		c.startHeartbeat(HeartbeatInterval)
		c.signal(nil)
	case *events.LoggedOut:
		c.log.Warnf("Logged out from WhatsApp: %v", v.Reason)
		c.loggedOut.Store(true)
		c.signal(fmt.Errorf("%w: logged out (%v)", network.ErrUnauthorized, v.Reason))
	case *events.StreamReplaced:
		c.log.Warn("Stream replaced by another connection")
		c.signal(errors.New("stream replaced"))
	case *events.Disconnected:
		c.log.Debug("Disconnected from WhatsApp")
	case *events.Message:
		c.receive(v)
	}
}

func (c *conn) receive(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}
	raw := network.RawMessage{
		ID:        evt.Info.ID,
		ChatID:    evt.Info.Chat.String(),
		SenderID:  evt.Info.Sender.ToNonAD().String(),
		Text:      messageText(evt.Message),
		Outgoing:  evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Media:     attachmentOf(evt.Message),
	}
	if raw.Text == "" && raw.Media == nil {
		return
	}
	c.cache.add(raw, evt.Message, evt.Info.PushName)

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	h(network.InboundMessage{
		ID:         raw.ID,
		ChatID:     raw.ChatID,
		SenderID:   raw.SenderID,
		SenderName: evt.Info.PushName,
		Text:       raw.Text,
		Outgoing:   raw.Outgoing,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  raw.Timestamp,
		Media:      raw.Media,
	})
}

// fail translates err, treating everything as unauthorized once the server
// logged the device out.
func (c *conn) fail(err error) error {
	if err == nil {
		return nil
	}
	if c.loggedOut.Load() && !errors.Is(err, network.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", network.ErrUnauthorized, err)
	}
	return translate(err)
}

func (c *conn) Session() string {
	if id := c.client.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

func (c *conn) Identity() string {
	if id := c.client.Store.ID; id != nil {
		return id.User
	}
	return ""
}

func (c *conn) Healthy() bool {
	return !c.loggedOut.Load() && c.client.IsConnected() && c.client.IsLoggedIn()
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.client.Disconnect()
	})
	return nil
}

func (c *conn) SetHandler(h func(network.InboundMessage)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *conn) own() types.JID {
	if id := c.client.Store.ID; id != nil {
		return id.ToNonAD()
	}
	return types.EmptyJID
}

func (c *conn) send(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error) {
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", c.fail(err)
	}
	c.cache.add(network.RawMessage{
		ID:        resp.ID,
		ChatID:    to.String(),
		SenderID:  c.own().String(),
		Text:      messageText(msg),
		Outgoing:  true,
		Timestamp: resp.Timestamp,
		Media:     attachmentOf(msg),
	}, msg, "")
	return resp.ID, nil
}

func (c *conn) SendText(ctx context.Context, peer, text, replyTo string) (string, error) {
	to, err := parseJID(peer)
	if err != nil {
		return "", err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if replyTo != "" {
		info := &waE2E.ContextInfo{StanzaID: proto.String(replyTo)}
		if quoted, ok := c.cache.find(to.String(), replyTo); ok {
			info.Participant = proto.String(quoted.raw.SenderID)
			info.QuotedMessage = quoted.content
		}
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: info,
		}}
	}
	return c.send(ctx, to, msg)
}

func (c *conn) SendFile(ctx context.Context, peer, path, caption string) (string, error) {
	to, err := parseJID(peer)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read staged file: %w", err)
	}
	mime := mimetype.Detect(data).String()
	kind, mediaType := mediaKind(mime)

	up, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", c.fail(fmt.Errorf("failed to upload %s: %w", kind, err))
	}
	var thumb []byte
	if kind == "photo" {
		thumb = thumbnail(data)
	}
	c.log.Debugf("Uploaded %s %s (%s)", kind, mime, humanize.Bytes(uint64(len(data))))
	return c.send(ctx, to, mediaMessage(kind, up, mime, filepath.Base(path), caption, thumb))
}

func (c *conn) Forward(ctx context.Context, fromPeer, messageID, toPeer string) error {
	from, err := parseJID(fromPeer)
	if err != nil {
		return err
	}
	to, err := parseJID(toPeer)
	if err != nil {
		return err
	}
	cached, ok := c.cache.find(from.String(), messageID)
	if !ok {
		return fmt.Errorf("%w: %s in %s", network.ErrMessageNotFound, messageID, fromPeer)
	}
	msg, err := forwardCopy(cached.content)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, to, msg)
	return err
}

func (c *conn) contactName(ctx context.Context, jid types.JID) (string, bool) {
	if c.client.Store == nil || c.client.Store.Contacts == nil {
		return "", false
	}
	info, err := c.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil || !info.Found {
		return "", false
	}
	for _, name := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if name != "" {
			return name, true
		}
	}
	return "", true
}

func (c *conn) ResolvePeer(ctx context.Context, ref string) (network.Peer, error) {
	jid, err := parseJID(ref)
	if err != nil {
		return network.Peer{}, err
	}
	if p, ok := c.cache.lookup(jid.String()); ok {
		return p, nil
	}

	switch peerKind(jid) {
	case network.PeerGroup:
		info, err := c.client.GetGroupInfo(ctx, jid)
		if err != nil {
			if err = c.fail(err); errors.Is(err, network.ErrUnauthorized) {
				return network.Peer{}, err
			}
			return network.Peer{}, fmt.Errorf("%w: %s", network.ErrPeerNotFound, ref)
		}
		c.cache.upsertDialog(jid.String(), info.Name, network.PeerGroup)
		return network.Peer{ID: jid.String(), Name: info.Name, Kind: network.PeerGroup}, nil
	case network.PeerUser:
		if name, ok := c.contactName(ctx, jid); ok {
			c.cache.upsertDialog(jid.String(), name, network.PeerUser)
			return network.Peer{ID: jid.String(), Name: name, Kind: network.PeerUser}, nil
		}
	}
	return network.Peer{}, fmt.Errorf("%w: %s", network.ErrPeerNotFound, ref)
}

func (c *conn) ResolveUser(ctx context.Context, ref string) (network.Peer, error) {
	jid, err := parseJID(ref)
	if err != nil {
		return network.Peer{}, err
	}
	if peerKind(jid) != network.PeerUser {
		return network.Peer{}, fmt.Errorf("%w: %s is not a user", network.ErrPeerNotFound, ref)
	}

	resp, err := c.client.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return network.Peer{}, c.fail(err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return network.Peer{}, fmt.Errorf("%w: %s is not on WhatsApp", network.ErrPeerNotFound, ref)
	}
	user := resp[0].JID
	name, _ := c.contactName(ctx, user)
	if name == "" {
		name = user.User
	}
	return network.Peer{ID: user.String(), Name: name, Kind: network.PeerUser}, nil
}

func (c *conn) RefreshDialogs(ctx context.Context) error {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return c.fail(err)
	}
	for _, g := range groups {
		c.cache.upsertDialog(g.JID.String(), g.Name, network.PeerGroup)
	}

	if c.client.Store == nil || c.client.Store.Contacts == nil {
		return nil
	}
	contacts, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to load contacts")
		return nil
	}
	for jid, info := range contacts {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		c.cache.rename(jid.String(), name)
	}
	return nil
}

func (c *conn) Dialogs(_ context.Context, limit int) ([]network.RawDialog, error) {
	return c.cache.list(limit), nil
}

func (c *conn) History(_ context.Context, peer string, limit int) ([]network.RawMessage, error) {
	jid, err := parseJID(peer)
	if err != nil {
		return nil, err
	}
	return c.cache.history(jid.String(), limit), nil
}

func (c *conn) Message(_ context.Context, peer, messageID string) (network.RawMessage, error) {
	jid, err := parseJID(peer)
	if err != nil {
		return network.RawMessage{}, err
	}
	m, ok := c.cache.find(jid.String(), messageID)
	if !ok {
		return network.RawMessage{}, fmt.Errorf("%w: %s", network.ErrMessageNotFound, messageID)
	}
	return m.raw, nil
}

func (c *conn) Download(ctx context.Context, peer, messageID string) ([]byte, error) {
	jid, err := parseJID(peer)
	if err != nil {
		return nil, err
	}
	m, ok := c.cache.find(jid.String(), messageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", network.ErrMessageNotFound, messageID)
	}
	d := downloadable(m.content)
	if d == nil {
		return nil, fmt.Errorf("message %s has no media", messageID)
	}
	data, err := c.client.Download(ctx, d)
	if err != nil {
		return nil, c.fail(err)
	}
	return data, nil
}

func (c *conn) Search(_ context.Context, peer, query string, limit int) ([]network.RawMessage, error) {
	chat := ""
	if peer != "" {
		jid, err := parseJID(peer)
		if err != nil {
			return nil, err
		}
		chat = jid.String()
	}
	return c.cache.search(chat, query, limit), nil
}

func (c *conn) SenderName(ctx context.Context, senderID string) (string, error) {
	if name, ok := c.cache.senderName(senderID); ok {
		return name, nil
	}
	jid, err := parseJID(senderID)
	if err != nil {
		return "", err
	}
	if name, ok := c.contactName(ctx, jid); ok && name != "" {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", network.ErrPeerNotFound, senderID)
}

func (c *conn) CreateGroup(ctx context.Context, title, about string, members []network.Peer, channel bool) (network.Peer, error) {
	if channel {
		if len(members) > 0 {
			c.log.Debugf("Channels have no members; ignoring %d", len(members))
		}
		meta, err := c.client.CreateNewsletter(ctx, whatsmeow.CreateNewsletterParams{Name: title, Description: about})
		if err != nil {
			return network.Peer{}, c.fail(err)
		}
		c.cache.upsertDialog(meta.ID.String(), title, network.PeerChannel)
		return network.Peer{ID: meta.ID.String(), Name: title, Kind: network.PeerChannel}, nil
	}

	participants := make([]types.JID, 0, len(members))
	for _, m := range members {
		jid, err := parseJID(m.ID)
		if err != nil {
			return network.Peer{}, err
		}
		participants = append(participants, jid)
	}
	info, err := c.client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{Name: title, Participants: participants})
	if err != nil {
		return network.Peer{}, c.fail(err)
	}
	if about != "" {
		if err := c.client.SetGroupTopic(ctx, info.JID, "", "", about); err != nil {
			c.log.WithError(err).Warnf("Failed to set description of %s", info.JID)
		}
	}
	c.cache.upsertDialog(info.JID.String(), title, network.PeerGroup)
	return network.Peer{ID: info.JID.String(), Name: title, Kind: network.PeerGroup}, nil
}

func (c *conn) Invite(ctx context.Context, group string, member network.Peer) error {
	gid, err := parseJID(group)
	if err != nil {
		return err
	}
	uid, err := parseJID(member.ID)
	if err != nil {
		return err
	}
	results, err := c.client.UpdateGroupParticipants(ctx, gid, []types.JID{uid}, whatsmeow.ParticipantChangeAdd)
	if err != nil {
		return c.fail(err)
	}
	for _, r := range results {
		if r.Error != 0 {
			return fmt.Errorf("invitation of %s rejected with code %d", member.ID, r.Error)
		}
	}
	return nil
}

func (c *conn) Participants(ctx context.Context, group string, limit int) ([]network.Participant, error) {
	gid, err := parseJID(group)
	if err != nil {
		return nil, err
	}
	info, err := c.client.GetGroupInfo(ctx, gid)
	if err != nil {
		return nil, c.fail(err)
	}

	out := make([]network.Participant, 0, len(info.Participants))
	for _, p := range info.Participants {
		phone := p.PhoneNumber.User
		if p.JID.Server == types.DefaultUserServer {
			phone = p.JID.User
		}
		name := p.DisplayName
		if name == "" {
			name, _ = c.contactName(ctx, p.JID)
		}
		out = append(out, network.Participant{
			ID:      p.JID.String(),
			Name:    name,
			Phone:   phone,
			IsAdmin: p.IsAdmin || p.IsSuperAdmin,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
