package ftpbridge

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/fclairamb/ftpserverlib"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/quark-zju/x79d8/internal/flusher"
	"github.com/quark-zju/x79d8/internal/vfs"
)

// Driver implements ftpserverlib.MainDriver over a single already-unlocked
// store. Password verification happens once, at `serve` startup via
// config.Unlock — BadPassword never surfaces here since auth precedes
// mount — so AuthUser only ever gates the loopback FTP session
// itself and accepts whatever credentials the local client presents.
type Driver struct {
	bindAddr string
	fs       *Fs
	log      *logrus.Entry

	sessions sync.Map // ftpserverlib client id -> correlation uuid string
}

// NewDriver wires tree and fl into an Fs and wraps it as a MainDriver
// bound to addr, which must already have been validated as loopback-only
// by the caller: a non-loopback bind must be refused before this runs.
func NewDriver(addr string, tree *vfs.Tree, fl *flusher.Flusher, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		bindAddr: addr,
		fs:       New(tree, fl),
		log:      log.WithField("component", "ftpbridge"),
	}
}

// GetSettings returns the one listening endpoint x79d8 ever exposes: a
// single loopback address, no TLS requirement, no passive port range
// restriction since the store is only ever reached from localhost.
func (d *Driver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{
		ListenAddr: d.bindAddr,
		Banner:     "x79d8",
	}, nil
}

// ClientConnected logs the new session under a correlation id (distinct
// from ftpserverlib's own numeric client id, which resets across server
// restarts and so can't be used to correlate logs against a fresh
// store-level log file) and returns a session-level welcome message.
// There is nothing else per-client to set up since every session shares
// the one unlocked Fs.
func (d *Driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	sessionID := uuid.New().String()
	d.sessions.Store(cc.ID(), sessionID)
	d.log.WithField("client", cc.ID()).WithField("session", sessionID).Debug("client connected")
	return "x79d8", nil
}

func (d *Driver) ClientDisconnected(cc ftpserver.ClientContext) {
	sessionID, _ := d.sessions.LoadAndDelete(cc.ID())
	d.log.WithField("client", cc.ID()).WithField("session", sessionID).Debug("client disconnected")
}

// AuthUser accepts any username/password: the store's own password was
// already checked against the verifier before the listener ever started,
// so by the time a client reaches this call the only thing left to gate
// is "can you reach loopback", which the OS already arbitrated.
func (d *Driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	return d.fs, nil
}

// GetTLSConfig returns nil: x79d8 targets a single local user over
// loopback and leaves remote-access hardening out of scope, so there is
// no certificate to mint or load.
func (d *Driver) GetTLSConfig() (*tls.Config, error) {
	return nil, nil
}

var _ afero.Fs = (*Fs)(nil)

func (d *Driver) String() string {
	return fmt.Sprintf("x79d8 driver on %s", d.bindAddr)
}
