package whatsapp

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/whatsapp-automation/engine/internal/network"
)

// DefaultHistoryLimit is how many messages are kept per conversation.
const DefaultHistoryLimit = 500

type cachedMessage struct {
	raw     network.RawMessage
	content *waE2E.Message
}

type dialog struct {
	id     string
	name   string
	kind   string
	unread int
	last   string
	lastAt time.Time
}

// messageCache keeps the recent messages a connection has seen. WhatsApp has
// no server-side history query, so history, search, forwarding and media
// download are served from here.
type messageCache struct {
	perChat int

	mu      sync.RWMutex
	chats   map[string][]cachedMessage // oldest first
	dialogs map[string]*dialog
	names   map[string]string // sender id -> push name
}

func newMessageCache(perChat int) *messageCache {
	if perChat <= 0 {
		perChat = DefaultHistoryLimit
	}
	return &messageCache{
		perChat: perChat,
		chats:   make(map[string][]cachedMessage),
		dialogs: make(map[string]*dialog),
		names:   make(map[string]string),
	}
}

// add records a message and updates its conversation. senderName may be empty.
func (c *messageCache) add(m network.RawMessage, content *waE2E.Message, senderName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := append(c.chats[m.ChatID], cachedMessage{raw: m, content: content})
	if len(msgs) > c.perChat {
		msgs = msgs[len(msgs)-c.perChat:]
	}
	c.chats[m.ChatID] = msgs

	d := c.dialog(m.ChatID, "")
	if !m.Timestamp.Before(d.lastAt) {
		d.lastAt = m.Timestamp
		d.last = m.Text
	}
	if m.Outgoing {
		d.unread = 0
	} else {
		d.unread++
	}
	if senderName != "" && m.SenderID != "" {
		c.names[m.SenderID] = senderName
		if d.kind == network.PeerUser && d.name == "" && m.SenderID == m.ChatID {
			d.name = senderName
		}
	}
}

// dialog returns the conversation for id, creating it. Callers hold mu.
func (c *messageCache) dialog(id, kind string) *dialog {
	d, ok := c.dialogs[id]
	if !ok {
		if kind == "" {
			kind = kindOf(id)
		}
		d = &dialog{id: id, kind: kind}
		c.dialogs[id] = d
	}
	return d
}

func kindOf(id string) string {
	jid, err := parseJID(id)
	if err != nil {
		return network.PeerUser
	}
	return peerKind(jid)
}

// upsertDialog registers a conversation learned from the network.
func (c *messageCache) upsertDialog(id, name, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dialog(id, kind)
	if name != "" {
		d.name = name
	}
}

// rename sets the name of a known conversation only.
func (c *messageCache) rename(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.dialogs[id]; ok && name != "" {
		d.name = name
	}
}

func (c *messageCache) lookup(id string) (network.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dialogs[id]
	if !ok {
		return network.Peer{}, false
	}
	return network.Peer{ID: d.id, Name: d.name, Kind: d.kind}, true
}

func (c *messageCache) senderName(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// list returns conversations, most recently active first.
func (c *messageCache) list(limit int) []network.RawDialog {
	c.mu.RLock()
	all := make([]dialog, 0, len(c.dialogs))
	for _, d := range c.dialogs {
		all = append(all, *d)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].lastAt.Equal(all[j].lastAt) {
			return all[i].id < all[j].id
		}
		return all[i].lastAt.After(all[j].lastAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]network.RawDialog, 0, len(all))
	for _, d := range all {
		rd := network.RawDialog{ID: d.id, Kind: d.kind}
		if d.name != "" {
			name := d.name
			rd.Name = &name
		}
		unread := d.unread
		rd.Unread = &unread
		if !d.lastAt.IsZero() {
			last := d.last
			rd.LastMessage = &last
		}
		out = append(out, rd)
	}
	return out
}

// history returns up to limit of the newest messages of chat, oldest first.
func (c *messageCache) history(chat string, limit int) []network.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.chats[chat]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]network.RawMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.raw
	}
	return out
}

func (c *messageCache) find(chat, id string) (cachedMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.chats[chat]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].raw.ID == id {
			return msgs[i], true
		}
	}
	return cachedMessage{}, false
}

// search matches query case-insensitively against message text, newest
// first. An empty chat searches every conversation.
func (c *messageCache) search(chat, query string, limit int) []network.RawMessage {
	needle := strings.ToLower(query)
	c.mu.RLock()
	var hits []network.RawMessage
	for id, msgs := range c.chats {
		if chat != "" && id != chat {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.raw.Text), needle) {
				hits = append(hits, m.raw)
			}
		}
	}
	c.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Timestamp.After(hits[j].Timestamp) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
