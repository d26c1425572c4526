// Package whatsapp implements the network contract on top of whatsmeow.
// Device keys live in a whatsmeow sqlstore container; the opaque session the
// engine stores for an account is the device JID inside that container.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/engine/internal/config"
	"github.com/whatsapp-automation/engine/internal/fingerprint"
	"github.com/whatsapp-automation/engine/internal/logging"
	"github.com/whatsapp-automation/engine/internal/network"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Options configure the dialer.
type Options struct {
	SessionsDir    string
	Dialect        string // sqlite3 or postgres
	DSN            string // postgres only; every account shares one container
	DeviceSeed     string
	DeviceCountry  string
	ConnectTimeout time.Duration
	HistoryLimit   int
	LogLevel       string
}

// Dialer opens whatsmeow clients for accounts.
type Dialer struct {
	opts    Options
	proxies *config.ProxyPool
	profile fingerprint.Profile
	log     logrus.FieldLogger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

// NewDialer prepares the sessions directory and the device properties every
// client presents.
func NewDialer(opts Options, proxies *config.ProxyPool, log logrus.FieldLogger) (*Dialer, error) {
	if opts.Dialect == "" {
		opts.Dialect = "sqlite3"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "WARN"
	}
	if opts.Dialect == "sqlite3" {
		if err := os.MkdirAll(opts.SessionsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sessions directory: %w", err)
		}
	}

	profile := fingerprint.Generate(opts.DeviceSeed, opts.DeviceCountry)
	store.DeviceProps.Os = proto.String(profile.OS())
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()

	return &Dialer{
		opts:       opts,
		proxies:    proxies,
		profile:    profile,
		log:        log.WithField("component", "whatsapp"),
		containers: make(map[string]*sqlstore.Container),
	}, nil
}

// storeFile maps a store key to a file name inside the sessions directory.
func storeFile(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + ".db"
}

func (d *Dialer) container(ctx context.Context, key string) (*sqlstore.Container, error) {
	name, address := key, ""
	if d.opts.Dialect == "postgres" {
		name, address = "postgres", d.opts.DSN
	} else {
		address = fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(d.opts.SessionsDir, storeFile(key)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[name]; ok {
		return c, nil
	}
	c, err := sqlstore.New(ctx, d.opts.Dialect, address, logging.WhatsApp(d.log, "store/"+name, d.opts.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store %s: %w", name, err)
	}
	d.containers[name] = c
	return c, nil
}

func (d *Dialer) newClient(device *store.Device, creds network.Credentials) (*whatsmeow.Client, logrus.FieldLogger, error) {
	log := d.log.WithField("store", creds.StoreKey)
	client := whatsmeow.NewClient(device, logging.WhatsApp(log, "client", d.opts.LogLevel))
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	if d.proxies != nil {
		if p, ok := d.proxies.Next(); ok {
			if err := client.SetProxyAddress(p.URL()); err != nil {
				return nil, nil, fmt.Errorf("failed to set proxy %s: %w", p, err)
			}
			log.Infof("Using proxy %s", p)
		}
	}
	return client, log, nil
}

// Open resumes the device named by session. A device missing from the store
// or rejected by the server yields network.ErrUnauthorized.
func (d *Dialer) Open(ctx context.Context, creds network.Credentials, session string) (network.Conn, error) {
	jid, err := types.ParseJID(session)
	if err != nil || jid.User == "" {
		return nil, fmt.Errorf("%w: malformed session", network.ErrUnauthorized)
	}
	container, err := d.container(ctx, creds.StoreKey)
	if err != nil {
		return nil, err
	}
	device, err := container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: device %s not in store", network.ErrUnauthorized, jid)
	}

	client, log, err := d.newClient(device, creds)
	if err != nil {
		return nil, err
	}
	c := newConn(client, d.opts.HistoryLimit, log.WithField("jid", jid.String()))
	if err := c.connect(ctx, d.opts.ConnectTimeout); err != nil {
		c.Close()
		return nil, err
	}
	log.Infof("Restored session %s", jid)
	return c, nil
}

// Begin starts a fresh device and waits for the server to offer the first
// QR code, after which both pairing methods are usable.
func (d *Dialer) Begin(ctx context.Context, creds network.Credentials) (network.LoginConn, error) {
	container, err := d.container(ctx, creds.StoreKey)
	if err != nil {
		return nil, err
	}
	client, log, err := d.newClient(container.NewDevice(), creds)
	if err != nil {
		return nil, err
	}

	lc := &loginConn{
		conn:    newConn(client, d.opts.HistoryLimit, log),
		label:   d.profile.Label(creds.DeviceName),
		browser: pairClient(d.profile.Browser),
		timeout: d.opts.ConnectTimeout,
		paired:  make(chan error, 1),
		codes:   make(chan struct{}),
	}
	qr, err := client.GetQRChannel(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to open QR channel: %w", err)
	}
	go lc.watch(qr)

	if err := client.Connect(); err != nil {
		client.Disconnect()
		return nil, translate(err)
	}
	if err := lc.firstCode(ctx); err != nil {
		client.Disconnect()
		return nil, err
	}
	return lc, nil
}

// Close closes every device store.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, c := range d.containers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	d.containers = make(map[string]*sqlstore.Container)
	return errors.Join(errs...)
}

func pairClient(browser string) whatsmeow.PairClientType {
	switch browser {
	case "Edge":
		return whatsmeow.PairClientEdge
	case "Firefox":
		return whatsmeow.PairClientFirefox
	default:
		return whatsmeow.PairClientChrome
	}
}
