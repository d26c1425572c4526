// Package network defines what the engine needs from a messaging network:
// opening a session, signing in, sending, receiving and enumerating.
// Adapters translate their transport errors into the sentinels below so that
// callers never inspect error text.
package network

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized means the network rejected the stored session for good.
	ErrUnauthorized = errors.New("session unauthorized")
	// ErrPasswordRequired means sign-in needs a second-factor password.
	ErrPasswordRequired = errors.New("password required")
	// ErrInvalidCode means the login code did not match.
	ErrInvalidCode = errors.New("invalid login code")
	// ErrPeerNotFound means a conversation or user reference could not be resolved.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrMessageNotFound means a message id is unknown in its conversation.
	ErrMessageNotFound = errors.New("message not found")
	// ErrUnsupported means the network has no equivalent for the operation.
	ErrUnsupported = errors.New("operation not supported by network")
)

// Credentials are the connection parameters of an account.
type Credentials struct {
	DeviceName string
	StoreKey   string
}

// Complete reports whether both parameters are present.
func (c Credentials) Complete() bool {
	return c.DeviceName != "" && c.StoreKey != ""
}

// Dialer creates connections.
type Dialer interface {
	// Open resumes an authenticated session.
	Open(ctx context.Context, creds Credentials, session string) (Conn, error)
	// Begin starts an unauthenticated connection used for signing in.
	Begin(ctx context.Context, creds Credentials) (LoginConn, error)
}

// LoginConn is an unauthenticated connection in the middle of signing in.
type LoginConn interface {
	// RequestCode asks the network to deliver a login code for identity and
	// returns the challenge token that must accompany SignIn.
	RequestCode(ctx context.Context, identity string) (challenge string, err error)
	// RequestQR returns a payload to be rendered as a QR code.
	RequestQR(ctx context.Context) (payload string, err error)
	// SignIn completes a code login. It returns ErrPasswordRequired when a
	// second factor is needed, in which case the LoginConn stays usable.
	SignIn(ctx context.Context, identity, challenge, code string) (Conn, error)
	// CheckPassword completes a login that returned ErrPasswordRequired.
	CheckPassword(ctx context.Context, password string) (Conn, error)
	// Wait blocks until a QR login is confirmed.
	Wait(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is an authenticated connection.
type Conn interface {
	// Session is the current opaque session. It may differ from the one the
	// connection was opened with when the network rotates it.
	Session() string
	// Identity is the account's own identifier on the network.
	Identity() string
	Healthy() bool
	Close() error
	// SetHandler installs the single inbound message callback.
	SetHandler(func(InboundMessage))

	Sender
	Reader
	Admin
}

// Sender is the outbound half of a connection.
type Sender interface {
	SendText(ctx context.Context, peer, text, replyTo string) (messageID string, err error)
	SendFile(ctx context.Context, peer, path, caption string) (messageID string, err error)
	Forward(ctx context.Context, fromPeer, messageID, toPeer string) error
}

// Reader enumerates conversations and messages.
type Reader interface {
	// ResolvePeer finds a known conversation by reference.
	ResolvePeer(ctx context.Context, ref string) (Peer, error)
	// ResolveUser finds a user on the network, known or not.
	ResolveUser(ctx context.Context, ref string) (Peer, error)
	// RefreshDialogs reloads the conversation list from the network.
	RefreshDialogs(ctx context.Context) error
	Dialogs(ctx context.Context, limit int) ([]RawDialog, error)
	History(ctx context.Context, peer string, limit int) ([]RawMessage, error)
	Message(ctx context.Context, peer, messageID string) (RawMessage, error)
	Download(ctx context.Context, peer, messageID string) ([]byte, error)
	Search(ctx context.Context, peer, query string, limit int) ([]RawMessage, error)
	SenderName(ctx context.Context, senderID string) (string, error)
}

// Admin manages groups and channels.
type Admin interface {
	CreateGroup(ctx context.Context, title, about string, members []Peer, channel bool) (Peer, error)
	Invite(ctx context.Context, group string, member Peer) error
	Participants(ctx context.Context, group string, limit int) ([]Participant, error)
}

// Peer kinds.
const (
	PeerUser    = "user"
	PeerGroup   = "group"
	PeerChannel = "channel"
)

// Peer is a resolved conversation or user.
type Peer struct {
	ID   string
	Name string
	Kind string
}

// Attachment describes the media of a message.
type Attachment struct {
	Kind     string // photo, video, audio, document, sticker
	MimeType string
	FileName string
	Size     int64
}

// InboundMessage is a message delivered to the account.
type InboundMessage struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Outgoing   bool
	IsGroup    bool
	Timestamp  time.Time
	Media      *Attachment
}

// RawDialog is a conversation as enumerated by the network. Fields are
// pointers because networks may omit any of them.
type RawDialog struct {
	ID          string
	Name        *string
	Unread      *int
	LastMessage *string
	Kind        string
}

// RawMessage is a message as stored by the network.
type RawMessage struct {
	ID        string
	ChatID    string
	SenderID  string
	Text      string
	Outgoing  bool
	Timestamp time.Time
	Media     *Attachment
}

// Participant is a member of a group or channel.
type Participant struct {
	ID      string
	Name    string
	Phone   string
	IsAdmin bool
}
