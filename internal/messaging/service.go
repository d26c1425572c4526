// Package messaging exposes the per-account messaging operations: sending
// text and files, listing conversations, reading history, downloading media
// and searching. Every operation authorizes the tenant, obtains the live
// connection and routes connection errors through the session classifier.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/session"
)

var (
	// ErrNoMedia is returned when the requested message has no attachment.
	ErrNoMedia = errors.New("message has no media")
	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds the maximum upload size")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("file is empty")
)

const (
	DefaultLimit = 50
	unknownName  = "Unknown"
)

// Options configure the service.
type Options struct {
	// MediaDir is where uploads are staged before sending. Empty uses the OS temp dir.
	MediaDir string
	// MaxFileSize caps uploads in bytes. Zero means unlimited.
	MaxFileSize int64
	// MaxLimit caps list sizes requested by callers.
	MaxLimit int
}

// Service implements the messaging operations on top of the session manager.
type Service struct {
	manager *session.Manager
	opts    Options
	log     logrus.FieldLogger
}

// NewService returns a messaging service.
func NewService(manager *session.Manager, opts Options, log logrus.FieldLogger) *Service {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 500
	}
	return &Service{manager: manager, opts: opts, log: log.WithField("component", "messaging")}
}

// SentMessage identifies a message accepted by the network.
type SentMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// Conversation is a normalized dialog entry.
type Conversation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unread      int    `json:"unread"`
	LastMessage string `json:"lastMessage"`
	IsGroup     bool   `json:"isGroup"`
	IsChannel   bool   `json:"isChannel"`
}

// Message is a normalized history or search entry.
type Message struct {
	ID         string              `json:"id"`
	ChatID     string              `json:"chatId"`
	SenderID   string              `json:"senderId"`
	SenderName string              `json:"senderName"`
	Text       string              `json:"text"`
	Outgoing   bool                `json:"outgoing"`
	Timestamp  time.Time           `json:"timestamp"`
	Media      *network.Attachment `json:"media,omitempty"`
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// connect authorizes tenantID and returns the account's network connection.
func (s *Service) connect(ctx context.Context, tenantID string, accountID uint) (network.Conn, error) {
	if _, err := s.manager.Account(ctx, tenantID, accountID); err != nil {
		return nil, err
	}
	lc, err := s.manager.Obtain(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return lc.Conn(), nil
}

func (s *Service) limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > s.opts.MaxLimit {
		return s.opts.MaxLimit
	}
	return n
}

// SendText sends body to chatID.
func (s *Service) SendText(ctx context.Context, tenantID string, accountID uint, chatID, body string) (SentMessage, error) {
	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return SentMessage{}, err
	}
	id, err := conn.SendText(ctx, chatID, body, "")
	if err != nil {
		return SentMessage{}, s.manager.Classify(ctx, accountID, conn, err)
	}
	return SentMessage{MessageID: id, ChatID: chatID}, nil
}

// Deliver sends body without a tenant check. It is used by background
// runners that already own the account.
func (s *Service) Deliver(ctx context.Context, accountID uint, chatID, body string) (string, error) {
	lc, err := s.manager.Obtain(ctx, accountID)
	if err != nil {
		return "", err
	}
	conn := lc.Conn()
	id, err := conn.SendText(ctx, chatID, body, "")
	if err != nil {
		return "", s.manager.Classify(ctx, accountID, conn, err)
	}
	return id, nil
}

// SendFile stages data on disk and sends it to chatID with an optional caption.
// The staged copy is removed whatever the outcome.
func (s *Service) SendFile(ctx context.Context, tenantID string, accountID uint, chatID string, data []byte, fileName, caption string) (SentMessage, error) {
	if len(data) == 0 {
		return SentMessage{}, ErrEmptyFile
	}
	if s.opts.MaxFileSize > 0 && int64(len(data)) > s.opts.MaxFileSize {
		return SentMessage{}, fmt.Errorf("%w: %s > %s", ErrFileTooLarge,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(s.opts.MaxFileSize)))
	}

	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return SentMessage{}, err
	}

	var id string
	err = s.withStagedFile(data, fileName, func(path string) error {
		var sendErr error
		id, sendErr = conn.SendFile(ctx, chatID, path, caption)
		return sendErr
	})
	if err != nil {
		return SentMessage{}, s.manager.Classify(ctx, accountID, conn, err)
	}

	s.log.WithFields(logrus.Fields{
		"account": accountID,
		"mime":    mimetype.Detect(data).String(),
		"size":    humanize.Bytes(uint64(len(data))),
	}).Info("File sent")
	return SentMessage{MessageID: id, ChatID: chatID}, nil
}

// withStagedFile writes data under a private directory in MediaDir, runs fn
// with the file path and removes the directory afterwards.
func (s *Service) withStagedFile(data []byte, fileName string, fn func(path string) error) error {
	if s.opts.MediaDir != "" {
		if err := os.MkdirAll(s.opts.MediaDir, 0o755); err != nil {
			return fmt.Errorf("failed to create media dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.opts.MediaDir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to stage file: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "file" + mimetype.Detect(data).Extension()
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to stage file: %w", err)
	}
	return fn(path)
}

// Conversations lists up to limit dialogs. Entries with missing fields get
// placeholders instead of failing the call.
func (s *Service) Conversations(ctx context.Context, tenantID string, accountID uint, limit int) ([]Conversation, error) {
	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Dialogs(ctx, s.limit(limit))
	if err != nil {
		return nil, s.manager.Classify(ctx, accountID, conn, err)
	}

	out := make([]Conversation, 0, len(raw))
	for _, d := range raw {
		c := Conversation{
			ID:        d.ID,
			Name:      unknownName,
			IsGroup:   d.Kind == network.PeerGroup,
			IsChannel: d.Kind == network.PeerChannel,
		}
		if d.Name != nil && *d.Name != "" {
			c.Name = *d.Name
		}
		if d.Unread != nil && *d.Unread > 0 {
			c.Unread = *d.Unread
		}
		if d.LastMessage != nil {
			c.LastMessage = *d.LastMessage
		}
		out = append(out, c)
	}
	return out, nil
}

// resolve finds chatID, refreshing the dialog cache once when it is unknown.
func resolve(ctx context.Context, conn network.Conn, chatID string) (network.Peer, error) {
	peer, err := conn.ResolvePeer(ctx, chatID)
	if !errors.Is(err, network.ErrPeerNotFound) {
		return peer, err
	}
	if err := conn.RefreshDialogs(ctx); err != nil {
		return network.Peer{}, err
	}
	return conn.ResolvePeer(ctx, chatID)
}

// History returns up to limit messages of chatID, oldest first.
func (s *Service) History(ctx context.Context, tenantID string, accountID uint, chatID string, limit int) ([]Message, error) {
	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	peer, err := resolve(ctx, conn, chatID)
	if err != nil {
		return nil, s.manager.Classify(ctx, accountID, conn, err)
	}
	raw, err := conn.History(ctx, peer.ID, s.limit(limit))
	if err != nil {
		return nil, s.manager.Classify(ctx, accountID, conn, err)
	}

	msgs := s.normalize(ctx, conn, raw)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

// Search returns messages of chatID matching query.
func (s *Service) Search(ctx context.Context, tenantID string, accountID uint, chatID, query string, limit int) ([]Message, error) {
	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	peer, err := resolve(ctx, conn, chatID)
	if err != nil {
		return nil, s.manager.Classify(ctx, accountID, conn, err)
	}
	raw, err := conn.Search(ctx, peer.ID, query, s.limit(limit))
	if err != nil {
		return nil, s.manager.Classify(ctx, accountID, conn, err)
	}
	return s.normalize(ctx, conn, raw), nil
}

// normalize resolves sender names best-effort, once per sender.
func (s *Service) normalize(ctx context.Context, conn network.Conn, raw []network.RawMessage) []Message {
	names := make(map[string]string)
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		name, ok := names[m.SenderID]
		if !ok {
			name = unknownName
			if m.SenderID != "" {
				if n, err := conn.SenderName(ctx, m.SenderID); err == nil && n != "" {
					name = n
				}
			}
			names[m.SenderID] = name
		}
		out = append(out, Message{
			ID:         m.ID,
			ChatID:     m.ChatID,
			SenderID:   m.SenderID,
			SenderName: name,
			Text:       m.Text,
			Outgoing:   m.Outgoing,
			Timestamp:  m.Timestamp,
			Media:      m.Media,
		})
	}
	return out
}

// DownloadMedia fetches the attachment of messageID in chatID.
func (s *Service) DownloadMedia(ctx context.Context, tenantID string, accountID uint, chatID, messageID string) (Media, error) {
	conn, err := s.connect(ctx, tenantID, accountID)
	if err != nil {
		return Media{}, err
	}
	peer, err := resolve(ctx, conn, chatID)
	if err != nil {
		return Media{}, s.manager.Classify(ctx, accountID, conn, err)
	}
	msg, err := conn.Message(ctx, peer.ID, messageID)
	if err != nil {
		return Media{}, s.manager.Classify(ctx, accountID, conn, err)
	}
	if msg.Media == nil {
		return Media{}, ErrNoMedia
	}

	data, err := conn.Download(ctx, peer.ID, messageID)
	if err != nil {
		return Media{}, s.manager.Classify(ctx, accountID, conn, err)
	}
	mime := msg.Media.MimeType
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	s.log.WithField("account", accountID).Debugf("Downloaded %s (%s)", humanize.Bytes(uint64(len(data))), mime)
	return Media{Data: data, MimeType: mime, FileName: msg.Media.FileName}, nil
}
