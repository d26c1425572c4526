package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/whatsapp-automation/engine/internal/network"
)

var errQRTimeout = errors.New("QR login timed out")

// loginConn is a device in the middle of pairing. Pairing completes either by
// scanning the QR code or by typing the phone pairing code; both end with the
// same "success" event on the QR channel.
type loginConn struct {
	conn    *conn
	label   string
	browser whatsmeow.PairClientType
	timeout time.Duration

	paired chan error
	codes  chan struct{} // closed when the first code arrives

	mu       sync.Mutex
	qrCode   string
	handed   bool
	gotFirst bool
}

func (l *loginConn) watch(qr <-chan whatsmeow.QRChannelItem) {
	for evt := range qr {
		switch evt.Event {
		case "code":
			l.mu.Lock()
			l.qrCode = evt.Code
			if !l.gotFirst {
				l.gotFirst = true
				close(l.codes)
			}
			l.mu.Unlock()
		case "success":
			l.finish(nil)
		case "timeout":
			l.finish(errQRTimeout)
		default:
			err := evt.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", evt.Event)
			}
			l.finish(err)
		}
	}
}

func (l *loginConn) finish(err error) {
	select {
	case l.paired <- err:
	default:
	}
}

func (l *loginConn) firstCode(ctx context.Context) error {
	t := time.NewTimer(l.timeout)
	defer t.Stop()
	select {
	case <-l.codes:
		return nil
	case err := <-l.paired:
		if err == nil {
			err = errors.New("device paired before a code was offered")
		}
		return err
	case <-t.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestCode asks WhatsApp to show a pairing prompt on the phone. The
// returned code is what the user types there.
func (l *loginConn) RequestCode(ctx context.Context, identity string) (string, error) {
	phone := sanitizePhone(identity)
	if phone == "" {
		return "", fmt.Errorf("%w: empty phone number", network.ErrPeerNotFound)
	}
	code, err := l.conn.client.PairPhone(ctx, phone, true, l.browser, l.label)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", translate(err))
	}
	return formatPairingCode(code), nil
}

func (l *loginConn) RequestQR(_ context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.qrCode == "" {
		return "", errors.New("no QR code offered yet")
	}
	return l.qrCode, nil
}

// SignIn waits for the phone to confirm the pairing code. code, when given,
// must be the challenge that was shown.
func (l *loginConn) SignIn(ctx context.Context, _, challenge, code string) (network.Conn, error) {
	if code != "" && normalizeCode(code) != normalizeCode(challenge) {
		return nil, network.ErrInvalidCode
	}
	return l.Wait(ctx)
}

// CheckPassword is never reached: WhatsApp pairing has no second factor.
func (l *loginConn) CheckPassword(context.Context, string) (network.Conn, error) {
	return nil, fmt.Errorf("%w: two-step verification", network.ErrUnsupported)
}

func (l *loginConn) Wait(ctx context.Context) (network.Conn, error) {
	select {
	case err := <-l.paired:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The client reconnects with the new identity right after pairing.
	if err := l.conn.awaitReady(ctx, l.timeout); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.handed = true
	l.mu.Unlock()
	return l.conn, nil
}

// Close drops the unpaired device. A paired connection belongs to the caller.
func (l *loginConn) Close() error {
	l.mu.Lock()
	handed := l.handed
	l.mu.Unlock()
	if !handed {
		l.conn.client.Disconnect()
	}
	return nil
}
