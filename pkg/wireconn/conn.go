/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package wireconn owns the single TLS stream an uplink epoch runs over:
// dialing, the chain-file it is built from, non-blocking-style send/recv
// buffering, frame boundary assembly, and ping scheduling (§4.3). Go has no
// SSLWantRead/SSLWantWrite exception like the reference implementation's
// ssl module - a short read/write deadline plays the same role here, with
// a deadline timeout treated as "not ready yet" rather than an error,
// exactly as a want-read/want-write signal would be.
package wireconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/higebu/netfd"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/smok-serwis/ngtt/pkg/certinfo"
	"github.com/smok-serwis/ngtt/pkg/frame"
	"github.com/smok-serwis/ngtt/pkg/idalloc"
)

// ErrConnectionFailed is returned by every operation that touches the wire
// once the stream is unusable - a failed dial, a zero-byte read, or any
// other socket/TLS error. The uplink engine swallows it and reconnects.
var ErrConnectionFailed = errors.New("wireconn: connection failed")

// nonBlockingDeadline bounds every individual read/write attempt. A
// deadline timeout is translated to "no data/capacity right now", the
// equivalent of want-read/want-write - not a transport failure.
const nonBlockingDeadline = 20 * time.Millisecond

// recvChunk is the maximum number of bytes pulled off the wire per
// RecvFrame call (§4.3 "up to 512 bytes").
const recvChunk = 512

// Conn owns one TLS stream in non-blocking mode, plus the transaction-ID
// space for the socket epoch it represents (§3 "Socket state"). Every
// Pending operation's tid is only ever valid against this Conn's Allocator.
type Conn struct {
	certFile string
	keyFile  string
	rootCA   *x509.CertPool
	identity certinfo.Identity
	host     string

	chainFilePath string
	Allocator     *idalloc.Allocator

	rawConn net.Conn
	tlsConn *tls.Conn
	ioStats *ioStatsConn

	readBuf  []byte
	writeBuf []byte

	pingInFlight   bool
	pingInFlightID uint16
	pingSentAt     time.Time
	lastRead       time.Time

	// Epoch tags every log line emitted for this socket instance, so a
	// reconnect is traceable across the log stream (§8 style borrowed from
	// the teacher's per-connection xid labels).
	Epoch  xid.ID
	logger logrus.FieldLogger

	closed bool
}

// New reads the device certificate, derives its identity and the
// control-plane hostname, and writes the temporary chain file
// (device cert || dev CA || root CA) the TLS handshake will present. It
// performs no I/O - that's Connect's job.
func New(certFile, keyFile string, rootCAPEM, devCAPEM []byte, logger logrus.FieldLogger) (*Conn, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("wireconn: reading device cert: %w", err)
	}

	identity, err := certinfo.FromPEM(certBytes)
	if err != nil {
		return nil, fmt.Errorf("wireconn: %w", err)
	}

	rootPool := x509.NewCertPool()
	if !rootPool.AppendCertsFromPEM(rootCAPEM) {
		return nil, fmt.Errorf("wireconn: root CA PEM contained no certificates")
	}

	chainFile, err := os.CreateTemp("", "ngtt-chain-*.pem")
	if err != nil {
		return nil, fmt.Errorf("wireconn: creating chain file: %w", err)
	}
	defer chainFile.Close()

	for _, part := range [][]byte{certBytes, devCAPEM, rootCAPEM} {
		if _, err := chainFile.Write(part); err != nil {
			os.Remove(chainFile.Name())
			return nil, fmt.Errorf("wireconn: writing chain file: %w", err)
		}
	}

	c := &Conn{
		certFile:      certFile,
		keyFile:       keyFile,
		rootCA:        rootPool,
		identity:      identity,
		host:          frame.EnvToHostname(identity.Environment),
		chainFilePath: chainFile.Name(),
		Allocator:     idalloc.New(),
		Epoch:         xid.New(),
		logger:        logger,
	}

	// Guaranteed deletion of the chain file even if the caller never calls
	// Close - a backstop, not the primary mechanism (§3 "Lifecycles").
	runtime.SetFinalizer(c, func(c *Conn) { _ = os.Remove(c.chainFilePath) })

	return c, nil
}

// Identity returns the device identity this socket was constructed from.
func (c *Conn) Identity() certinfo.Identity { return c.identity }

// Alloc exposes the socket epoch's tid allocator - a method rather than
// relying on the exported Allocator field directly, so callers can depend
// on a narrow interface instead of the concrete *Conn type.
func (c *Conn) Alloc() *idalloc.Allocator { return c.Allocator }

// Connect dials the control plane on (host, 2408), presents the chain
// file and private key, and verifies the server's hostname. Any socket or
// TLS failure is reported as ErrConnectionFailed.
func (c *Conn) Connect() error {
	cert, err := tls.LoadX509KeyPair(c.chainFilePath, c.keyFile)
	if err != nil {
		return fmt.Errorf("%w: loading client cert/key: %v", ErrConnectionFailed, err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      c.rootCA,
		Certificates: []tls.Certificate{cert},
		ServerName:   c.host,
	}

	addr := fmt.Sprintf("%s:%d", c.host, frame.Port)
	rawConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", ErrConnectionFailed, addr, err)
	}

	instrumented := wrapIOStats(rawConn)
	tlsConn := tls.Client(instrumented, tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return fmt.Errorf("%w: TLS handshake: %v", ErrConnectionFailed, err)
	}
	tlsConn.SetDeadline(time.Time{})

	c.rawConn = rawConn
	c.tlsConn = tlsConn
	c.ioStats = instrumented
	c.readBuf = c.readBuf[:0]
	c.writeBuf = c.writeBuf[:0]
	c.pingInFlight = false
	c.pingSentAt = time.Time{}
	c.lastRead = time.Now()
	c.closed = false

	c.logger.WithField("epoch", c.Epoch).WithField("host", c.host).Info("wireconn: connected")
	return nil
}

// SendFrame appends the encoded frame to the write buffer and attempts a
// single non-blocking write of as much of it as the stream will accept.
// Want-write is not an error - unwritten bytes simply remain buffered for
// the next TrySend/RecvFrame call.
func (c *Conn) SendFrame(tid uint16, typ frame.PacketType, data []byte) error {
	c.writeBuf = append(c.writeBuf, frame.Encode(tid, typ, data)...)
	return c.TrySend()
}

// TrySend drains as much of the pending write buffer as the stream will
// accept right now, without blocking.
func (c *Conn) TrySend() error {
	if c.tlsConn == nil {
		return fmt.Errorf("%w: not connected", ErrConnectionFailed)
	}
	if len(c.writeBuf) == 0 {
		return nil
	}

	c.tlsConn.SetWriteDeadline(time.Now().Add(nonBlockingDeadline))
	n, err := c.tlsConn.Write(c.writeBuf)
	if n > 0 {
		c.writeBuf = c.writeBuf[n:]
	}
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("%w: write: %v", ErrConnectionFailed, err)
	}
	return nil
}

// RecvFrame drains the write buffer, attempts one non-blocking read of up
// to 512 bytes, and tries to decode one complete frame out of whatever is
// now buffered. It returns (nil, nil) if no full frame is available yet,
// including when the read itself would have blocked.
func (c *Conn) RecvFrame() (*frame.Frame, error) {
	if c.tlsConn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectionFailed)
	}

	if err := c.TrySend(); err != nil {
		return nil, err
	}

	c.tlsConn.SetReadDeadline(time.Now().Add(nonBlockingDeadline))
	buf := make([]byte, recvChunk)
	n, err := c.tlsConn.Read(buf)
	switch {
	case err != nil && isTimeout(err):
		// want-read: fall through and try to decode whatever is buffered.
	case err != nil:
		return nil, fmt.Errorf("%w: read: %v", ErrConnectionFailed, err)
	case n == 0:
		return nil, fmt.Errorf("%w: zero-byte read", ErrConnectionFailed)
	default:
		c.readBuf = append(c.readBuf, buf[:n]...)
	}

	fr, consumed, err := frame.DecodeFrame(c.readBuf)
	if err != nil {
		if errors.Is(err, frame.ErrNeedMore) {
			return nil, nil
		}
		return nil, err
	}
	c.readBuf = c.readBuf[consumed:]
	c.lastRead = time.Now()

	if !fr.Type.IsKnown() {
		c.logger.WithField("epoch", c.Epoch).Warnf("wireconn: dropping frame of unknown type %d", uint16(fr.Type))
		return nil, nil
	}
	return &fr, nil
}

// TryPing emits a PING frame if the socket has been quiet for longer than
// frame.PingInterval and no ping is currently outstanding. At most one
// ping is ever in flight per socket (§3 invariant).
func (c *Conn) TryPing() error {
	if c.pingInFlight {
		return nil
	}
	if time.Since(c.lastRead) <= frame.PingInterval {
		return nil
	}

	tid, err := c.Allocator.Allocate()
	if err != nil {
		return err
	}
	if err := c.SendFrame(tid, frame.PING, nil); err != nil {
		c.Allocator.Free(tid)
		return err
	}
	c.pingInFlight = true
	c.pingInFlightID = tid
	c.pingSentAt = time.Now()
	c.logger.WithField("epoch", c.Epoch).Debugf("wireconn: ping sent, tid=%d", tid)
	return nil
}

// PingSentAt returns when the currently in-flight ping was sent, or the
// zero time if no ping is outstanding. Used to compute round-trip time
// once GotPing reports a match.
func (c *Conn) PingSentAt() time.Time {
	if !c.pingInFlight {
		return time.Time{}
	}
	return c.pingSentAt
}

// GotPing clears the in-flight ping state if tid matches the outstanding
// ping, reporting true; mismatched tids are ignored and it reports false,
// closing a bug a draft of this client had (it accepted any PING as an
// acknowledgement of the one it sent). A false return with no ping in
// flight at all means the peer sent an unsolicited keepalive PING, which
// the caller is expected to echo back.
func (c *Conn) GotPing(tid uint16) bool {
	if c.pingInFlight && c.pingInFlightID == tid {
		c.Allocator.Free(tid)
		c.pingInFlight = false
		return true
	}
	return false
}

// Fd exposes the underlying socket descriptor for readiness polling
// (§4.3), pulled off the raw pre-TLS net.Conn the way the teacher's
// pkg/exporter pulls a descriptor for TCP_INFO syscalls - here it's used
// for unix.Poll instead of stats gathering.
func (c *Conn) Fd() (int, error) {
	if c.rawConn == nil {
		return -1, fmt.Errorf("wireconn: not connected")
	}
	return netfd.GetFdFromConn(c.rawConn), nil
}

// Disconnect closes the underlying stream, if any. It is idempotent.
func (c *Conn) Disconnect() {
	if c.closed {
		return
	}
	c.closed = true
	if c.ioStats != nil {
		rx, tx, age := c.ioStats.summary()
		c.logger.WithFields(logrus.Fields{
			"epoch": c.Epoch, "rx_bytes": rx, "tx_bytes": tx, "age_ms": age.Milliseconds(),
		}).Info("wireconn: disconnected")
		c.ioStats = nil
	}
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
	c.rawConn = nil
}

// Close disconnects and deletes the chain file - the guaranteed-on-
// destruction half of §3's "Lifecycles" for a socket.
func (c *Conn) Close() error {
	c.Disconnect()
	runtime.SetFinalizer(c, nil)
	return os.Remove(c.chainFilePath)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
